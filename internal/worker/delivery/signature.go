package delivery

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// SignatureHeader は配信ペイロードの署名を格納するヘッダー名。
const SignatureHeader = "X-Hub-Signature"

// Signer はシークレットを鍵としたペイロードのHMAC署名を生成する。
type Signer struct {
	algorithm string
	newHash   func() hash.Hash
}

// NewSigner は指定アルゴリズムのSignerを生成する。
// 対応アルゴリズムはsha1, sha256, sha384, sha512。
func NewSigner(algorithm string) (*Signer, error) {
	var fn func() hash.Hash
	switch algorithm {
	case "sha1":
		fn = sha1.New
	case "sha256":
		fn = sha256.New
	case "sha384":
		fn = sha512.New384
	case "sha512":
		fn = sha512.New
	default:
		return nil, fmt.Errorf("unsupported signature algorithm: %q", algorithm)
	}
	return &Signer{algorithm: algorithm, newHash: fn}, nil
}

// Sign はpayloadのHMACを計算し、"<algorithm>=<hex>"形式で返す。
func (s *Signer) Sign(secret string, payload []byte) string {
	mac := hmac.New(s.newHash, []byte(secret))
	mac.Write(payload)
	return s.algorithm + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify はsignatureがpayloadの正しい署名かを定数時間で比較する。
func (s *Signer) Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(secret, payload)), []byte(signature))
}
