package domain

import (
	"net/url"
	"strings"

	dErrors "idhub/pkg/domain-errors"
)

// DID is a decentralized identifier of the form did:<method>:<method-specific-id>.
type DID string

func (d DID) String() string { return string(d) }
func (d DID) IsNil() bool    { return d == "" }

// Method returns the DID method name, or "" for malformed values.
func (d DID) Method() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) != 3 || parts[0] != "did" {
		return ""
	}
	return parts[1]
}

// MethodSpecificID returns the part after did:<method>:.
func (d DID) MethodSpecificID() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

// ParseDID validates a DID without fragment, query or path.
func ParseDID(s string) (DID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "did is required")
	}
	if len(s) > 2048 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "did is too long")
	}
	if strings.ContainsAny(s, "#?/ \t\r\n\x00") {
		return "", dErrors.New(dErrors.CodeInvalidInput, "did must not contain fragment, query, path or whitespace")
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "did must have the form did:<method>:<id>")
	}
	for _, c := range parts[1] {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return "", dErrors.New(dErrors.CodeInvalidInput, "did method must be lowercase alphanumeric")
		}
	}
	return DID(s), nil
}

// WebDID builds a did:web identifier for a participant hosted under host
// (which may carry a port and a path, e.g. "example.com:8443/participants").
func WebDID(host string, participantID ParticipantID) DID {
	host = strings.TrimSuffix(strings.TrimSpace(host), "/")
	hostPart, pathPart, _ := strings.Cut(host, "/")
	// A port colon must be percent-encoded or it reads as a path separator.
	segments := []string{"did", "web", strings.ReplaceAll(url.PathEscape(hostPart), ":", "%3A")}
	if pathPart != "" {
		for _, seg := range strings.Split(pathPart, "/") {
			if seg != "" {
				segments = append(segments, seg)
			}
		}
	}
	segments = append(segments, participantID.String())
	return DID(strings.Join(segments, ":"))
}

// SplitDIDURL separates a DID URL ("did:web:x#key-1") into the DID and fragment.
func SplitDIDURL(s string) (DID, string) {
	did, fragment, _ := strings.Cut(s, "#")
	return DID(did), fragment
}
