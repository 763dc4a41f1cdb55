package wsfanout

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func issueTestToken(secret []byte, tenantID string, expiry time.Time) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%d", tenantID, expiry.Unix())))
	return payload + "." + signPayload(secret, payload)
}

func TestValidateToken_AcceptsWellFormedUnexpiredToken(t *testing.T) {
	secret := []byte("shared-secret")
	token := issueTestToken(secret, "tenant-1", time.Now().Add(time.Hour))

	tenantID, err := validateToken(secret, token)
	require.NoError(t, err)
	require.Equal(t, "tenant-1", tenantID)
}

func TestValidateToken_RejectsExpiredToken(t *testing.T) {
	secret := []byte("shared-secret")
	token := issueTestToken(secret, "tenant-1", time.Now().Add(-time.Minute))

	_, err := validateToken(secret, token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_RejectsWrongSecret(t *testing.T) {
	token := issueTestToken([]byte("correct"), "tenant-1", time.Now().Add(time.Hour))

	_, err := validateToken([]byte("wrong"), token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_RejectsMalformedToken(t *testing.T) {
	_, err := validateToken([]byte("secret"), "not-a-valid-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
