package models

import (
	"crypto"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	keymodels "idhub/internal/keypair/models"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

const (
	ContextCredentialsV1     = "https://www.w3.org/2018/credentials/v1"
	TypeVerifiableCredential = "VerifiableCredential"
)

// VC is the "vc" claim of a VC-JWT.
type VC struct {
	Context           []string       `json:"@context"`
	Type              []string       `json:"type"`
	CredentialSubject map[string]any `json:"credentialSubject"`
}

// Claims is the payload of a VC-JWT: iss is the issuer DID, sub the subject
// DID and jti the credential id.
type Claims struct {
	jwt.RegisteredClaims
	VC VC `json:"vc"`
}

// Token is a structurally valid VC-JWT whose signature has not been checked.
type Token struct {
	Raw    string
	KeyID  string
	Claims *Claims

	method        jwt.SigningMethod
	signingString string
	signature     []byte
}

var supportedMethods = []string{string(keymodels.AlgorithmEdDSA), string(keymodels.AlgorithmES256)}

var parser = jwt.NewParser(jwt.WithValidMethods(supportedMethods))

func malformed(format string, args ...any) error {
	return dErrors.Newf(dErrors.CodeValidation, "malformed credential: "+format, args...).
		WithReason(dErrors.ReasonMalformedCredential)
}

// ParseToken decodes raw and checks its shape: a supported alg, a kid that
// is a DID URL of the issuer, and the mandatory VC claims.
func ParseToken(raw string) (*Token, error) {
	raw = strings.TrimSpace(raw)
	claims := &Claims{}
	tok, parts, err := parser.ParseUnverified(raw, claims)
	if err != nil {
		return nil, malformed("%v", err)
	}
	if !slices.Contains(supportedMethods, tok.Method.Alg()) {
		return nil, malformed("alg %q is not supported", tok.Method.Alg())
	}
	sig, err := parser.DecodeSegment(parts[2])
	if err != nil || len(sig) == 0 {
		return nil, malformed("signature segment is not base64url")
	}

	kid, _ := tok.Header["kid"].(string)
	kidDID, fragment := id.SplitDIDURL(kid)
	if fragment == "" {
		return nil, malformed("kid %q must be a DID URL with a fragment", kid)
	}
	issuer, err := id.ParseDID(claims.Issuer)
	if err != nil {
		return nil, malformed("iss: %v", err)
	}
	if kidDID != issuer {
		return nil, malformed("kid %q does not belong to issuer %s", kid, issuer)
	}
	if _, err := id.ParseDID(claims.Subject); err != nil {
		return nil, malformed("sub: %v", err)
	}
	if _, err := id.ParseCredentialID(claims.ID); err != nil {
		return nil, malformed("jti: %v", err)
	}
	if claims.IssuedAt == nil {
		return nil, malformed("iat is required")
	}
	if len(claims.VC.Context) == 0 || claims.VC.Context[0] != ContextCredentialsV1 {
		return nil, malformed("vc @context must start with %s", ContextCredentialsV1)
	}
	if !slices.Contains(claims.VC.Type, TypeVerifiableCredential) {
		return nil, malformed("vc type must include %s", TypeVerifiableCredential)
	}

	return &Token{
		Raw:           raw,
		KeyID:         kid,
		Claims:        claims,
		method:        tok.Method,
		signingString: parts[0] + "." + parts[1],
		signature:     sig,
	}, nil
}

func (t *Token) Algorithm() keymodels.Algorithm { return keymodels.Algorithm(t.method.Alg()) }
func (t *Token) CredentialID() id.CredentialID  { return id.CredentialID(t.Claims.ID) }
func (t *Token) IssuerDID() id.DID              { return id.DID(t.Claims.Issuer) }
func (t *Token) SubjectDID() id.DID             { return id.DID(t.Claims.Subject) }
func (t *Token) Types() []string                { return append([]string(nil), t.Claims.VC.Type...) }
func (t *Token) IssuedAt() time.Time            { return t.Claims.IssuedAt.Time }

func (t *Token) ExpiresAt() *time.Time {
	if t.Claims.ExpiresAt == nil {
		return nil
	}
	exp := t.Claims.ExpiresAt.Time
	return &exp
}

// Verify checks the signature with key, which must be of algorithm alg.
func (t *Token) Verify(key crypto.PublicKey, alg keymodels.Algorithm) error {
	if t.Algorithm() != alg {
		return dErrors.Newf(dErrors.CodeCryptographic, "token alg %s does not match %s verification method", t.Algorithm(), alg).
			WithReason(dErrors.ReasonInvalidProof)
	}
	if err := t.method.Verify(t.signingString, t.signature, key); err != nil {
		return dErrors.Wrap(err, dErrors.CodeCryptographic, "signature verification failed").
			WithReason(dErrors.ReasonInvalidProof)
	}
	return nil
}

// NewCredential records a parsed token with the given status.
func (t *Token) NewCredential(status Status, now time.Time) *Credential {
	return &Credential{
		ID:         t.CredentialID(),
		IssuerDID:  t.IssuerDID(),
		SubjectDID: t.SubjectDID(),
		Types:      t.Types(),
		Raw:        t.Raw,
		Status:     status,
		IssuedAt:   t.IssuedAt(),
		ExpiresAt:  t.ExpiresAt(),
		UpdatedAt:  now,
	}
}

// Signer signs a JWS signing input.
type Signer func(signingInput []byte) ([]byte, error)

// Encode produces a compact VC-JWT for claims signed by sign under kid.
func Encode(claims *Claims, alg keymodels.Algorithm, kid string, sign Signer) (string, error) {
	method := jwt.GetSigningMethod(string(alg))
	if method == nil || !slices.Contains(supportedMethods, string(alg)) {
		return "", dErrors.Newf(dErrors.CodeValidation, "algorithm %q is not supported", alg).
			WithReason(dErrors.ReasonUnsupportedAlgorithm)
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = kid
	input, err := tok.SigningString()
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode credential")
	}
	sig, err := sign([]byte(input))
	if err != nil {
		return "", err
	}
	return input + "." + tok.EncodeSegment(sig), nil
}
