package models

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"encoding/json"
	"strings"

	"github.com/multiformats/go-multibase"
	jose "gopkg.in/square/go-jose.v2"

	keymodels "idhub/internal/keypair/models"
	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

const (
	ContextDIDv1        = "https://www.w3.org/ns/did/v1"
	ContextEd25519_2020 = "https://w3id.org/security/suites/ed25519-2020/v1"
	ContextJWS2020      = "https://w3id.org/security/suites/jws-2020/v1"
)

// VerificationMethodType names the key representation of a method.
type VerificationMethodType string

const (
	Ed25519VerificationKey2020 VerificationMethodType = "Ed25519VerificationKey2020"
	JsonWebKey2020             VerificationMethodType = "JsonWebKey2020"
)

// ed25519-pub multicodec prefix.
var ed25519Multicodec = []byte{0xed, 0x01}

// Document is a W3C DID core document.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	Controller         string               `json:"controller,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []string             `json:"authentication,omitempty"`
	AssertionMethod    []string             `json:"assertionMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

type VerificationMethod struct {
	ID                 string                 `json:"id"`
	Type               VerificationMethodType `json:"type"`
	Controller         string                 `json:"controller"`
	PublicKeyJwk       *jose.JSONWebKey       `json:"publicKeyJwk,omitempty"`
	PublicKeyMultibase string                 `json:"publicKeyMultibase,omitempty"`
}

type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Service types seeded for every participant.
const (
	ServiceTypeCredentialService = "CredentialService"
	ServiceTypeProtocolEndpoint  = "ProtocolEndpoint"
)

// NewService builds a service entry with id "<did>#<type>".
func NewService(did id.DID, serviceType, endpoint string) Service {
	return Service{ID: did.String() + "#" + serviceType, Type: serviceType, ServiceEndpoint: endpoint}
}

// BuildDocument derives a document from the participant's keys. Revoked keys
// are skipped. Active keys come first (signing purpose ahead of others) and
// are referenced from authentication and assertionMethod.
func BuildDocument(did id.DID, keys []*keymodels.KeyPair, services []Service) (Document, error) {
	doc := Document{
		Context: []string{ContextDIDv1},
		ID:      did.String(),
	}
	var active, rest []*keymodels.KeyPair
	for _, kp := range keys {
		switch {
		case kp.IsRevoked():
		case kp.IsActive() && kp.Purpose == keymodels.PurposeSigning:
			active = append([]*keymodels.KeyPair{kp}, active...)
		case kp.IsActive():
			active = append(active, kp)
		default:
			rest = append(rest, kp)
		}
	}

	needEd, needJWS := false, false
	for _, kp := range append(active, rest...) {
		vm, err := NewVerificationMethod(did, kp)
		if err != nil {
			return Document{}, err
		}
		switch vm.Type {
		case Ed25519VerificationKey2020:
			needEd = true
		case JsonWebKey2020:
			needJWS = true
		}
		doc.VerificationMethod = append(doc.VerificationMethod, vm)
	}
	for _, kp := range active {
		ref := kp.VerificationMethodID(did)
		doc.Authentication = append(doc.Authentication, ref)
		doc.AssertionMethod = append(doc.AssertionMethod, ref)
	}
	if needEd {
		doc.Context = append(doc.Context, ContextEd25519_2020)
	}
	if needJWS {
		doc.Context = append(doc.Context, ContextJWS2020)
	}
	if len(services) > 0 {
		doc.Service = append([]Service(nil), services...)
	}
	return doc, nil
}

// NewVerificationMethod renders a key pair as a verification method.
func NewVerificationMethod(did id.DID, kp *keymodels.KeyPair) (VerificationMethod, error) {
	vm := VerificationMethod{ID: kp.VerificationMethodID(did), Controller: did.String()}
	switch kp.Algorithm {
	case keymodels.AlgorithmEdDSA:
		if len(kp.PublicKey) != ed25519.PublicKeySize {
			return VerificationMethod{}, dErrors.Newf(dErrors.CodeCryptographic, "key %s has a malformed ed25519 public key", kp.ID)
		}
		mb, err := multibase.Encode(multibase.Base58BTC, append(append([]byte(nil), ed25519Multicodec...), kp.PublicKey...))
		if err != nil {
			return VerificationMethod{}, dErrors.Wrap(err, dErrors.CodeInternal, "multibase encoding failed")
		}
		vm.Type = Ed25519VerificationKey2020
		vm.PublicKeyMultibase = mb
	case keymodels.AlgorithmES256:
		pub, err := keymodels.ParsePublicKey(kp.Algorithm, kp.PublicKey)
		if err != nil {
			return VerificationMethod{}, err
		}
		vm.Type = JsonWebKey2020
		vm.PublicKeyJwk = &jose.JSONWebKey{Key: pub, KeyID: kp.ID.String()}
	default:
		return VerificationMethod{}, dErrors.Newf(dErrors.CodeValidation, "algorithm %q is not supported", kp.Algorithm).
			WithReason(dErrors.ReasonUnsupportedAlgorithm)
	}
	return vm, nil
}

type keyDecoder func(vm VerificationMethod) (crypto.PublicKey, keymodels.Algorithm, error)

var decoders = map[VerificationMethodType]keyDecoder{
	Ed25519VerificationKey2020: decodeMultibaseKey,
	JsonWebKey2020:             decodeJWK,
}

// PublicKey returns the key material and the only JWS algorithm it may
// verify.
func (vm VerificationMethod) PublicKey() (crypto.PublicKey, keymodels.Algorithm, error) {
	decode, ok := decoders[vm.Type]
	if !ok {
		return nil, "", dErrors.Newf(dErrors.CodeCryptographic, "verification method type %q is not supported", vm.Type)
	}
	return decode(vm)
}

func decodeMultibaseKey(vm VerificationMethod) (crypto.PublicKey, keymodels.Algorithm, error) {
	_, raw, err := multibase.Decode(vm.PublicKeyMultibase)
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeCryptographic, "publicKeyMultibase is not valid multibase")
	}
	if len(raw) == ed25519.PublicKeySize+len(ed25519Multicodec) && bytes.HasPrefix(raw, ed25519Multicodec) {
		raw = raw[len(ed25519Multicodec):]
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, "", dErrors.New(dErrors.CodeCryptographic, "publicKeyMultibase is not an ed25519 key")
	}
	return ed25519.PublicKey(raw), keymodels.AlgorithmEdDSA, nil
}

func decodeJWK(vm VerificationMethod) (crypto.PublicKey, keymodels.Algorithm, error) {
	if vm.PublicKeyJwk == nil || !vm.PublicKeyJwk.Valid() {
		return nil, "", dErrors.New(dErrors.CodeCryptographic, "publicKeyJwk is missing or invalid")
	}
	switch k := vm.PublicKeyJwk.Key.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, "", dErrors.New(dErrors.CodeCryptographic, "only P-256 JWKs are supported")
		}
		return k, keymodels.AlgorithmES256, nil
	case ed25519.PublicKey:
		return k, keymodels.AlgorithmEdDSA, nil
	default:
		return nil, "", dErrors.New(dErrors.CodeCryptographic, "publicKeyJwk key type is not supported")
	}
}

// Method looks a verification method up by full DID URL or bare "#fragment".
func (d Document) Method(ref string) (VerificationMethod, bool) {
	if strings.HasPrefix(ref, "#") {
		ref = d.ID + ref
	}
	for _, vm := range d.VerificationMethod {
		if vm.ID == ref {
			return vm, true
		}
	}
	return VerificationMethod{}, false
}

// Canonical returns the JSON encoding used for change detection. Field order
// is fixed by the struct definition.
func (d Document) Canonical() ([]byte, error) {
	return json.Marshal(d)
}

// Equal reports whether two documents encode identically.
func (d Document) Equal(other Document) bool {
	a, errA := d.Canonical()
	b, errB := other.Canonical()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Clone deep-copies the document through its JSON form.
func (d Document) Clone() Document {
	raw, err := d.Canonical()
	if err != nil {
		return d
	}
	var cp Document
	if err := json.Unmarshal(raw, &cp); err != nil {
		return d
	}
	return cp
}
