package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names set on signed venue requests.
const (
	HeaderKey        = "X-API-KEY"
	HeaderTimestamp  = "X-API-TIMESTAMP"
	HeaderPassphrase = "X-API-PASSPHRASE"
	HeaderSignature  = "X-API-SIGNATURE"
)

// HMACAuth signs venue requests as
// base64(HMAC-SHA256(secret, timestamp+method+path+body)).
type HMACAuth struct {
	Key        string
	Secret     string
	Passphrase string
}

// Headers returns the auth headers for a request signed now.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:        h.Key,
		HeaderTimestamp:  ts,
		HeaderPassphrase: h.Passphrase,
		HeaderSignature:  Sign(h.Secret, ts+method+path+body),
	}
}

// Verify reports whether signature matches the message signed with secret.
func Verify(secret, message, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, message)), []byte(signature))
}

// Sign returns base64(HMAC-SHA256(secret, message)).
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging. Only a
// prefix of the key is shown; the secret is never printed.
func (h *HMACAuth) String() string {
	key := "****"
	if len(h.Key) > 4 {
		key = h.Key[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=****}", key)
}
