package xmldsig

import (
	"github.com/pkg/errors"
)

var (
	// ErrMalformed indicates the input is not well-formed XML or a Signature
	// element is missing required parts.
	ErrMalformed = errors.New("xmldsig: malformed document")

	// ErrNoSignature indicates the document carries no Signature element.
	ErrNoSignature = errors.New("xmldsig: no signature found")

	// ErrNodeNotFound indicates the insertion path matched nothing.
	ErrNodeNotFound = errors.New("xmldsig: signature location not found")

	ErrUnsupportedAlgorithm = errors.New("xmldsig: unsupported algorithm")
	ErrSignerNotFound       = errors.New("xmldsig: signer certificate not found")
	ErrDigestMismatch       = errors.New("xmldsig: reference digest mismatch")
	ErrSignatureInvalid     = errors.New("xmldsig: signature verification failed")
)
