package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

const (
	headerAPIKey    = "X-API-KEY"
	headerTimestamp = "X-TIMESTAMP"
	headerSignature = "X-SIGNATURE"
)

// signer authenticates requests with HMAC-SHA256 over
// timestamp + method + path + body.
type signer struct {
	key    string
	secret []byte
}

func newSigner(key, secret string) *signer {
	if key == "" || secret == "" {
		return nil
	}
	return &signer{key: key, secret: []byte(secret)}
}

func (s *signer) sign(req *http.Request, body []byte, now time.Time) {
	if s == nil {
		return
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	req.Header.Set(headerAPIKey, s.key)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, s.signature(ts, req.Method, req.URL.RequestURI(), body))
}

func (s *signer) signature(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
