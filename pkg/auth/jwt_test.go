package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-signing-secret"
	testIssuer = "tradewire-test"
)

func TestValidateRoundTrip(t *testing.T) {
	v, err := NewVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	token, err := GenerateToken(testSecret, testIssuer, "user-1", time.Hour)
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestValidateWrongSecret(t *testing.T) {
	v, err := NewVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	token, err := GenerateToken("some-other-secret", testIssuer, "user-1", time.Hour)
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
}

func TestValidateExpiredToken(t *testing.T) {
	v, err := NewVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	token, err := GenerateToken(testSecret, testIssuer, "user-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
}

func TestValidateIssuerMismatch(t *testing.T) {
	v, err := NewVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	token, err := GenerateToken(testSecret, "someone-else", "user-1", time.Hour)
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issuer")
}

func TestValidateNoIssuerConfigured(t *testing.T) {
	v, err := NewVerifier(testSecret, "")
	require.NoError(t, err)

	token, err := GenerateToken(testSecret, "anything", "user-1", time.Hour)
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestValidateMissingUserID(t *testing.T) {
	v, err := NewVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	token, err := GenerateToken(testSecret, testIssuer, "", time.Hour)
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
}

func TestValidateRejectsUnsignedToken(t *testing.T) {
	v, err := NewVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.Error(t, err)
}

func TestValidateGarbage(t *testing.T) {
	v, err := NewVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	_, err = v.Validate("not.a.token")
	require.Error(t, err)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", testIssuer)
	require.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		fallback string
		want     string
	}{
		{name: "bearer header", header: "Bearer abc123", fallback: "", want: "abc123"},
		{name: "raw header", header: "abc123", fallback: "", want: "abc123"},
		{name: "query fallback", header: "", fallback: "from-query", want: "from-query"},
		{name: "header wins over fallback", header: "Bearer abc", fallback: "xyz", want: "abc"},
		{name: "nothing", header: "", fallback: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractBearer(tt.header, tt.fallback))
		})
	}
}
