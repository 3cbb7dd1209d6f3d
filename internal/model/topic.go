// Package model はドメインモデルを定義する。
package model

import (
	"net/url"
	"strings"
	"time"
)

// Topic はパブリッシャー上の購読可能なリソースを表す。
// topic_urlで一意。一度作成されると更新も削除もされない。
type Topic struct {
	ID        string
	TopicURL  string // パブリッシャー上の正規化済み絶対URL
	TopicKey  string // ブローカーのトピック名として使うハブ内の短い識別子
	CreatedAt time.Time
}

// DeriveTopicKey はtopicURLからルートURLのパスを取り除き、トピックキーを返す。
// 先頭のスラッシュは含まない。クエリ文字列は"?"付きで末尾に残す。
// topicURLがrootURLで始まらない場合はokがfalseになる。
func DeriveTopicKey(rootURL, topicURL string) (key string, ok bool) {
	if !strings.HasPrefix(topicURL, rootURL) {
		return "", false
	}
	root, err := url.Parse(rootURL)
	if err != nil {
		return "", false
	}
	topic, err := url.Parse(topicURL)
	if err != nil {
		return "", false
	}

	path := strings.TrimPrefix(topic.EscapedPath(), root.EscapedPath())
	key = strings.TrimPrefix(path, "/")
	if topic.RawQuery != "" {
		key += "?" + topic.RawQuery
	}
	return key, true
}
