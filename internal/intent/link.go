package intent

import (
	"net/url"
	"regexp"
	"strings"
)

// linkPattern はLinkヘッダーの1要素 <url>; rel="name" に一致する。
var linkPattern = regexp.MustCompile(`<([^>]*)>\s*;\s*rel="?([^";,]+)"?`)

// ParseLinks はLinkヘッダーの値からrelごとのURLを返す。
// 複数のLinkヘッダーとカンマ区切りの両方に対応する。
// 同じrelが複数ある場合は最初の値を採用する。
func ParseLinks(values []string) map[string]string {
	links := make(map[string]string)
	for _, v := range values {
		for _, m := range linkPattern.FindAllStringSubmatch(v, -1) {
			for _, rel := range strings.Fields(m[2]) {
				rel = strings.ToLower(rel)
				if _, exists := links[rel]; !exists {
					links[rel] = m[1]
				}
			}
		}
	}
	return links
}

// sameURL はパーセントデコード後の2つのURLが等しいかを返す。
func sameURL(a, b string) bool {
	return unescape(a) == unescape(b)
}

func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}
