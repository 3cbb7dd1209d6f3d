package intent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// callbackURL はcallbackの既存クエリを保持したままparamsを追加したURLを返す。
func callbackURL(callback string, params map[string]string) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sendDenial はサブスクライバーに購読拒否を通知する。
// レスポンスのステータスコードは問わない。
func (v *Verifier) sendDenial(ctx context.Context, req Request, reason string) error {
	target, err := callbackURL(req.Callback, map[string]string{
		"hub.mode":   "denied",
		"hub.topic":  req.TopicURL,
		"hub.reason": reason,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("denial request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxChallengeResponse))
	return nil
}
