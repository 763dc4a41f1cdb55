package wsfanout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidToken covers every bearer-token validation failure — malformed
// shape, bad signature, expired — without leaking which one to the caller.
var ErrInvalidToken = errors.New("wsfanout: invalid bearer token")

func signPayload(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// validateToken verifies a bearer token's HMAC signature and expiry,
// returning the tenant ID it was issued for.
func validateToken(secret []byte, token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", ErrInvalidToken
	}
	payload, sig := parts[0], parts[1]

	want := signPayload(secret, payload)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidToken
	}

	tenantID, expiryStr, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", ErrInvalidToken
	}

	expiryUnix, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().After(time.Unix(expiryUnix, 0)) {
		return "", ErrInvalidToken
	}
	if tenantID == "" {
		return "", ErrInvalidToken
	}

	return tenantID, nil
}
