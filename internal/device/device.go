// Package device abstracts the credential holder of a session: a software
// key file or a PKCS#11 token. A Driver opens a Credential; the Credential
// hands out signing and decryption keys for the rest of the session.
package device

import (
	"context"
	"crypto"
	"crypto/x509"

	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/prompt"
)

var (
	// ErrUnsupported indicates the credential cannot perform the operation.
	ErrUnsupported = errors.New("device: operation not supported")

	// ErrWrongPIN indicates the credential rejected the PIN.
	ErrWrongPIN = errors.New("device: incorrect PIN")

	// ErrClosed indicates the credential was used after Close.
	ErrClosed = errors.New("device: credential closed")
)

// Options carries driver parameters. Each driver reads the fields it needs.
type Options struct {
	// Software credentials.
	KeyPath    string
	CertPath   string
	PKCS12Path string

	// PIN unlocks the credential without prompting when set.
	PIN string

	// PKCS#11 credentials.
	Module     string
	Slot       int
	TokenLabel string
	KeyLabel   string
}

// InitResult lists the certificates of the active credential holder.
type InitResult struct {
	SigningCertificate        *x509.Certificate
	AuthenticationCertificate *x509.Certificate
	DecryptionCertificate     *x509.Certificate
	// Chain holds intermediates that came with the credential.
	Chain []*x509.Certificate
}

// Info describes the credential holder.
type Info struct {
	Driver       string `json:"driver"`
	Label        string `json:"label,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Reader       string `json:"reader,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
}

// Credential is an unlocked credential holder.
type Credential interface {
	InitResult() InitResult
	Signer(ctx context.Context) (crypto.Signer, error)
	Decrypter(ctx context.Context) (crypto.Decrypter, error)
	// SupportedHashes lists digests the signing key can be used with.
	SupportedHashes() []crypto.Hash
	ChangeCredential(ctx context.Context, oldPIN, newPIN string) error
	Info() Info
	Close() error
}

// Driver opens credentials of one kind.
type Driver interface {
	Name() string
	Open(ctx context.Context, opts Options, p prompt.CredentialPrompter) (Credential, error)
}

// DefaultHashes is what a software key supports.
func DefaultHashes() []crypto.Hash {
	return []crypto.Hash{crypto.SHA1, crypto.SHA256, crypto.SHA384, crypto.SHA512}
}

// AskPIN returns opts.PIN or asks p for one.
func AskPIN(ctx context.Context, opts Options, p prompt.CredentialPrompter, req prompt.PINRequest) (string, error) {
	if opts.PIN != "" && !req.Retry {
		return opts.PIN, nil
	}
	if p == nil {
		return "", errors.Wrap(prompt.ErrCanceled, "no prompter for PIN entry")
	}
	return p.PIN(ctx, req)
}
