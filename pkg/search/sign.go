package search

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Signer produces a signature for a request payload using the session's
// signing key. It returns false when no signature can be produced, in
// which case the request is sent unsigned rather than aborted.
type Signer func(payload []byte, key string) (string, bool)

// HMACSigner signs the payload with HMAC-SHA256. The key is the
// base64-encoded secret handed out by the initialization endpoint; an
// empty or undecodable key declines to sign.
func HMACSigner(payload []byte, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), true
}
