// Package certval validates signer certificates: chain of trust to the
// configured roots, validity window and OCSP revocation status.
package certval

import (
	"github.com/pkg/errors"
)

// Outcome is the result of validating one certificate.
type Outcome int

const (
	// Valid means the chain verified and revocation raised no objection.
	Valid Outcome = iota + 1
	// Invalid covers untrusted, expired and not-yet-valid certificates, and
	// failed mandatory revocation checks.
	Invalid
	// Revoked means the responder reported the certificate revoked.
	Revoked
	// Unknown means the responder does not know the certificate.
	Unknown
)

var outcomeNames = map[Outcome]string{
	Valid:   "VALID",
	Invalid: "INVALID",
	Revoked: "REVOKED",
	Unknown: "UNKNOWN",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "PENDING"
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// OCSPMode controls how revocation checking influences the outcome.
type OCSPMode string

const (
	// OCSPOff skips revocation checking.
	OCSPOff OCSPMode = "off"
	// OCSPOptional checks revocation but tolerates an unreachable responder.
	OCSPOptional OCSPMode = "optional"
	// OCSPMandatory requires a usable OCSP response.
	OCSPMandatory OCSPMode = "mandatory"
)

// ParseOCSPMode validates a configured mode name.
func ParseOCSPMode(s string) (OCSPMode, error) {
	switch m := OCSPMode(s); m {
	case OCSPOff, OCSPOptional, OCSPMandatory:
		return m, nil
	case "":
		return OCSPOptional, nil
	}
	return "", errors.Errorf("invalid OCSP mode %q (valid: off, optional, mandatory)", s)
}

// ErrResponderUnavailable indicates no usable OCSP response could be obtained.
var ErrResponderUnavailable = errors.New("certval: OCSP responder unavailable")
