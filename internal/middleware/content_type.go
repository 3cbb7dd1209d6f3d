package middleware

import (
	"mime"
	"net/http"
	"strings"

	"github.com/hitoshi/websubhub/internal/model"
)

// formContentType は購読リクエストとして受け付けるメディアタイプ。
const formContentType = "application/x-www-form-urlencoded"

// NewContentTypeMiddleware はフォーム形式以外のリクエストを415で拒否するミドルウェアを返す。
// enforceUTF8がtrueの場合、charsetがutf-8でないリクエストも拒否する。
func NewContentTypeMiddleware(enforceUTF8 bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != formContentType {
				WriteRequestError(w, model.NewUnsupportedMediaTypeError(
					"Content-Type must be "+formContentType))
				return
			}
			if enforceUTF8 && !strings.EqualFold(params["charset"], "utf-8") {
				WriteRequestError(w, model.NewUnsupportedMediaTypeError(
					"Content-Type charset must be utf-8"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewBodyLimitMiddleware はリクエストボディをmaxBytesに制限するミドルウェアを返す。
// Content-Lengthが上限を超える場合は即座に413を返し、
// それ以外はhttp.MaxBytesReaderで読み込み時に打ち切る。
func NewBodyLimitMiddleware(maxBytes int64) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				if r.ContentLength > maxBytes {
					http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
