package model

import (
	"fmt"
	"net/http"
)

// RequestError は購読リクエストの検証エラーを表す。
// ハンドラーはStatusCodeとMessageをそのままテキストで返す。
type RequestError struct {
	StatusCode int    // HTTPステータスコード
	Code       string // エラーコード
	Message    string // クライアント向けメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *RequestError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMissingParameter = "MISSING_PARAMETER"
	ErrCodeUnsupportedMode  = "UNSUPPORTED_MODE"
	ErrCodeTooLong          = "PARAMETER_TOO_LONG"
	ErrCodeUnsupportedTopic = "UNSUPPORTED_TOPIC"
	ErrCodeInvalidLease     = "INVALID_LEASE_SECONDS"
	ErrCodeSecretTooLong    = "SECRET_TOO_LONG"
	ErrCodeInvalidCallback  = "INVALID_CALLBACK"
	ErrCodeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"
)

// NewMissingParameterError は必須パラメータ欠落エラーを生成する。
func NewMissingParameterError(name string) *RequestError {
	return &RequestError{
		StatusCode: http.StatusBadRequest,
		Code:       ErrCodeMissingParameter,
		Message:    fmt.Sprintf("parameter `%s` required", name),
	}
}

// NewUnsupportedModeError はhub.modeがsubscribe/unsubscribe以外の場合のエラーを生成する。
func NewUnsupportedModeError(mode string) *RequestError {
	return &RequestError{
		StatusCode: http.StatusNotImplemented,
		Code:       ErrCodeUnsupportedMode,
		Message:    fmt.Sprintf("`hub.mode` not allowed: %s", mode),
	}
}

// NewTooLongError はパラメータ長の上限超過エラーを生成する。
func NewTooLongError(name string, max int) *RequestError {
	return &RequestError{
		StatusCode: http.StatusRequestEntityTooLarge,
		Code:       ErrCodeTooLong,
		Message:    fmt.Sprintf("%s URL maximum length is %d", name, max),
	}
}

// NewUnsupportedTopicError はトピックが上流のルートURL配下にない場合のエラーを生成する。
func NewUnsupportedTopicError() *RequestError {
	return &RequestError{
		StatusCode: http.StatusBadRequest,
		Code:       ErrCodeUnsupportedTopic,
		Message:    "`hub.topic` refers to unsupported SensorThings service",
	}
}

// NewInvalidLeaseError はhub.lease_secondsが整数でない場合のエラーを生成する。
func NewInvalidLeaseError() *RequestError {
	return &RequestError{
		StatusCode: http.StatusBadRequest,
		Code:       ErrCodeInvalidLease,
		Message:    "`hub.lease_seconds` must be a number",
	}
}

// NewSecretTooLongError はhub.secretの上限超過エラーを生成する。
func NewSecretTooLongError(max int) *RequestError {
	return &RequestError{
		StatusCode: http.StatusBadRequest,
		Code:       ErrCodeSecretTooLong,
		Message:    fmt.Sprintf("parameter `hub.secret` exceeds limit of %d bytes", max),
	}
}

// NewInvalidCallbackError はコールバックURLが不正な場合のエラーを生成する。
func NewInvalidCallbackError(reason string) *RequestError {
	return &RequestError{
		StatusCode: http.StatusBadRequest,
		Code:       ErrCodeInvalidCallback,
		Message:    fmt.Sprintf("`hub.callback` is not acceptable: %s", reason),
	}
}

// NewUnsupportedMediaTypeError はContent-Typeが受け付けられない場合のエラーを生成する。
func NewUnsupportedMediaTypeError(message string) *RequestError {
	return &RequestError{
		StatusCode: http.StatusUnsupportedMediaType,
		Code:       ErrCodeUnsupportedMedia,
		Message:    message,
	}
}
