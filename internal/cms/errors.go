// Package cms encodes and decodes CMS (PKCS #7) SignedData containers with
// RSA PKCS #1 v1.5, RSASSA-PSS and ECDSA signers, including appending a
// signer to an existing container.
package cms

import (
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/pkg/errors"
)

var (
	// ErrEmpty indicates no container bytes were supplied
	ErrEmpty = errors.New("cms: empty input")

	// ErrMalformed indicates the container could not be decoded
	ErrMalformed = errors.New("cms: malformed container")

	// ErrNotSignedData indicates a well-formed container of another type
	ErrNotSignedData = errors.New("cms: not a SignedData container")

	// ErrUnsupportedAlgorithm indicates an unknown digest or signature algorithm
	ErrUnsupportedAlgorithm = errors.New("cms: unsupported algorithm")

	// ErrDetachedContentRequired indicates a detached container was used without its content
	ErrDetachedContentRequired = errors.New("cms: detached container requires content")

	// ErrSignerNotFound indicates no certificate matches the signer identifier
	ErrSignerNotFound = errors.New("cms: signer certificate not found")

	// ErrDigestMismatch indicates the content does not match the signed digest
	ErrDigestMismatch = errors.New("cms: content digest mismatch")

	// ErrSignatureInvalid indicates the signature value does not verify
	ErrSignatureInvalid = errors.New("cms: signature verification failed")
)
