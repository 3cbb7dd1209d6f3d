// Package middleware はハブのHTTPミドルウェアを提供する。
package middleware

import (
	"net/http"

	"github.com/hitoshi/websubhub/internal/model"
)

// WriteRequestError はリクエストエラーをプレーンテキストで書き込む。
// ボディはクライアント向けメッセージのみで、エラーコードは含めない。
func WriteRequestError(w http.ResponseWriter, reqErr *model.RequestError) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(reqErr.StatusCode)
	w.Write([]byte(reqErr.Message))
}

// WriteInternalServerError は内部エラーのレスポンスを書き込む。
// 詳細はログのみに記録する。
func WriteInternalServerError(w http.ResponseWriter) {
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
