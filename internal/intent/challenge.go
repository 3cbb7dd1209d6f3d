package intent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"strings"
)

// challengeBytes はチャレンジトークンの乱数バイト数。
const challengeBytes = 16

// NewChallenge は推測不能なチャレンジトークンを16進文字列で生成する。
func NewChallenge() (string, error) {
	b := make([]byte, challengeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// checkChallengeContentType はチャレンジ応答のContent-Typeがtext/plain; charset=utf-8かを検証する。
// charsetの大文字小文字は区別しない。
func checkChallengeContentType(contentType string) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("%w: invalid content-type %q", ErrChallengeMismatch, contentType)
	}
	if mediaType != "text/plain" {
		return fmt.Errorf("%w: wrong content-type %q", ErrChallengeMismatch, mediaType)
	}
	if !strings.EqualFold(params["charset"], "utf-8") {
		return fmt.Errorf("%w: wrong charset %q", ErrChallengeMismatch, params["charset"])
	}
	return nil
}
