package models

import (
	"net/url"
	"strings"

	id "idhub/pkg/domain"
	dErrors "idhub/pkg/domain-errors"
)

// WebDocumentPath maps a did:web identifier to its host and HTTP path:
// did:web:example.com → /.well-known/did.json,
// did:web:example.com:users:alice → /users/alice/did.json.
func WebDocumentPath(did id.DID) (host, path string, err error) {
	if did.Method() != "web" {
		return "", "", dErrors.Newf(dErrors.CodeInvalidInput, "%s is not a did:web identifier", did)
	}
	segments := strings.Split(did.MethodSpecificID(), ":")
	host, err = url.PathUnescape(segments[0])
	if err != nil || host == "" {
		return "", "", dErrors.Newf(dErrors.CodeInvalidInput, "%s has an invalid host", did)
	}
	if len(segments) == 1 {
		return host, "/.well-known/did.json", nil
	}
	parts := make([]string, 0, len(segments)-1)
	for _, seg := range segments[1:] {
		p, err := url.PathUnescape(seg)
		if err != nil || p == "" || p == "." || p == ".." {
			return "", "", dErrors.Newf(dErrors.CodeInvalidInput, "%s has an invalid path segment", did)
		}
		parts = append(parts, url.PathEscape(p))
	}
	return host, "/" + strings.Join(parts, "/") + "/did.json", nil
}

// WebDocumentURL is the HTTPS URL a did:web document is fetched from.
func WebDocumentURL(did id.DID) (string, error) {
	host, path, err := WebDocumentPath(did)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "https", Host: host, Path: path}).String(), nil
}
