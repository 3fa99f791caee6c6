package models

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"math/big"

	dErrors "idhub/pkg/domain-errors"
)

// ParsePublicKey decodes stored public key bytes: 32 raw bytes for EdDSA, an
// uncompressed SEC1 point for ES256.
func ParsePublicKey(alg Algorithm, raw []byte) (crypto.PublicKey, error) {
	switch alg {
	case AlgorithmEdDSA:
		if len(raw) != ed25519.PublicKeySize {
			return nil, dErrors.New(dErrors.CodeCryptographic, "ed25519 public key must be 32 bytes")
		}
		return ed25519.PublicKey(append([]byte(nil), raw...)), nil
	case AlgorithmES256:
		if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeCryptographic, "invalid P-256 public key")
		}
		return &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(raw[1:33]),
			Y:     new(big.Int).SetBytes(raw[33:65]),
		}, nil
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "algorithm %q is not supported", alg).
			WithReason(dErrors.ReasonUnsupportedAlgorithm)
	}
}

// MarshalECPublicKey encodes a P-256 key as an uncompressed SEC1 point.
func MarshalECPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	k, err := pub.ECDH()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeCryptographic, "invalid P-256 public key")
	}
	return k.Bytes(), nil
}
