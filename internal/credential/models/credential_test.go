package models

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keymodels "idhub/internal/keypair/models"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

const (
	issuer  = "did:web:example.com:alice"
	subject = "did:web:example.com:bob"
)

func testClaims(now time.Time) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "urn:uuid:1",
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		VC: VC{
			Context:           []string{ContextCredentialsV1},
			Type:              []string{TypeVerifiableCredential, "MembershipCredential"},
			CredentialSubject: map[string]any{"id": subject, "member": true},
		},
	}
}

func signed(t *testing.T, claims *Claims, kid string) (string, ed25519.PublicKey) {
	t.Helper()
	pub, sk, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw, err := Encode(claims, keymodels.AlgorithmEdDSA, kid, func(in []byte) ([]byte, error) {
		return sk.Sign(rand.Reader, in, crypto.Hash(0))
	})
	require.NoError(t, err)
	return raw, pub
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusActive))
	assert.True(t, StatusPending.CanTransitionTo(StatusRejected))
	assert.True(t, StatusActive.CanTransitionTo(StatusRevoked))
	assert.True(t, StatusActive.CanTransitionTo(StatusExpired))
	assert.False(t, StatusActive.CanTransitionTo(StatusRejected))
	assert.False(t, StatusActive.CanTransitionTo(StatusPending))
	for _, terminal := range []Status{StatusRejected, StatusRevoked, StatusExpired} {
		assert.False(t, terminal.CanTransitionTo(StatusActive), terminal)
		assert.False(t, terminal.IsLive(), terminal)
	}

	c := &Credential{ID: "urn:uuid:1", Status: StatusRevoked}
	assert.True(t, dErrors.HasReason(c.CanTransition(StatusActive), dErrors.ReasonInvalidStateTransition))
}

func TestEncodeParseVerify(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	raw, pub := signed(t, testClaims(now), issuer+"#signing-1")

	tok, err := ParseToken(raw)
	require.NoError(t, err)
	assert.Equal(t, id.DID(issuer), tok.IssuerDID())
	assert.Equal(t, id.DID(subject), tok.SubjectDID())
	assert.Equal(t, id.CredentialID("urn:uuid:1"), tok.CredentialID())
	assert.Equal(t, issuer+"#signing-1", tok.KeyID)
	assert.Equal(t, keymodels.AlgorithmEdDSA, tok.Algorithm())
	require.NotNil(t, tok.ExpiresAt())
	assert.True(t, now.Add(time.Hour).Equal(*tok.ExpiresAt()))
	require.NoError(t, tok.Verify(pub, keymodels.AlgorithmEdDSA))

	c := tok.NewCredential(StatusPending, now)
	assert.Equal(t, []string{TypeVerifiableCredential, "MembershipCredential"}, c.Types)
	assert.Equal(t, raw, c.Raw)
	assert.True(t, c.IsExpiredAt(now.Add(2*time.Hour)))
	assert.False(t, c.IsExpiredAt(now))
}

func TestVerifyRejectsWrongKeyAndAlgorithm(t *testing.T) {
	raw, _ := signed(t, testClaims(time.Now()), issuer+"#signing-1")
	tok, err := ParseToken(raw)
	require.NoError(t, err)

	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.True(t, dErrors.HasReason(tok.Verify(other, keymodels.AlgorithmEdDSA), dErrors.ReasonInvalidProof))
	assert.True(t, dErrors.HasReason(tok.Verify(other, keymodels.AlgorithmES256), dErrors.ReasonInvalidProof))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	raw, pub := signed(t, testClaims(time.Now()), issuer+"#signing-1")
	parts := strings.Split(raw, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(strings.Replace(string(payload), `"member":true`, `"member":false`, 1)))

	tok, err := ParseToken(strings.Join(parts, "."))
	require.NoError(t, err)
	err = tok.Verify(pub, keymodels.AlgorithmEdDSA)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeCryptographic))
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(*Claims) string
	}{
		{"kid without fragment", func(c *Claims) string { return issuer }},
		{"kid of another DID", func(c *Claims) string { return subject + "#signing-1" }},
		{"issuer not a DID", func(c *Claims) string { c.Issuer = "alice"; return "alice#k" }},
		{"missing subject", func(c *Claims) string { c.Subject = ""; return issuer + "#k" }},
		{"missing jti", func(c *Claims) string { c.ID = ""; return issuer + "#k" }},
		{"missing iat", func(c *Claims) string { c.IssuedAt = nil; return issuer + "#k" }},
		{"wrong context", func(c *Claims) string { c.VC.Context = []string{"https://example.com"}; return issuer + "#k" }},
		{"missing VC type", func(c *Claims) string { c.VC.Type = []string{"Other"}; return issuer + "#k" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := testClaims(now)
			kid := tt.mutate(claims)
			raw, _ := signed(t, claims, kid)
			_, err := ParseToken(raw)
			assert.True(t, dErrors.HasReason(err, dErrors.ReasonMalformedCredential), err)
		})
	}

	for _, raw := range []string{"", "not-a-jwt", "a.b", "a.b.c"} {
		_, err := ParseToken(raw)
		assert.True(t, dErrors.HasReason(err, dErrors.ReasonMalformedCredential), raw)
	}
}

func TestParseTokenRejectsUnsupportedAlg(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, testClaims(time.Now()))
	tok.Header["kid"] = issuer + "#k"
	raw, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = ParseToken(raw)
	assert.True(t, dErrors.HasReason(err, dErrors.ReasonMalformedCredential))

	_, err = Encode(testClaims(time.Now()), "HS256", issuer+"#k", nil)
	assert.True(t, dErrors.HasReason(err, dErrors.ReasonUnsupportedAlgorithm))
}
