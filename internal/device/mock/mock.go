// Package mock provides an in-memory device driver for tests.
package mock

import (
	"context"
	"crypto"
	"crypto/x509"

	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/prompt"
)

// Credential is a device.Credential backed by an in-memory key.
type Credential struct {
	Result device.InitResult
	Key    crypto.Signer

	// SignerFunc overrides Signer.
	SignerFunc func(ctx context.Context) (crypto.Signer, error)

	// DecrypterFunc overrides Decrypter.
	DecrypterFunc func(ctx context.Context) (crypto.Decrypter, error)

	// ChangeFunc overrides ChangeCredential.
	ChangeFunc func(ctx context.Context, oldPIN, newPIN string) error

	Hashes    []crypto.Hash
	InfoValue device.Info

	// Closed is set by Close.
	Closed bool
	// SignerCalls counts Signer invocations.
	SignerCalls int
}

// NewCredential uses cert for every role.
func NewCredential(cert *x509.Certificate, key crypto.Signer) *Credential {
	return &Credential{
		Result: device.InitResult{
			SigningCertificate:        cert,
			AuthenticationCertificate: cert,
			DecryptionCertificate:     cert,
		},
		Key:       key,
		InfoValue: device.Info{Driver: "mock", Label: "mock token"},
	}
}

func (c *Credential) InitResult() device.InitResult { return c.Result }

func (c *Credential) Signer(ctx context.Context) (crypto.Signer, error) {
	c.SignerCalls++
	if c.SignerFunc != nil {
		return c.SignerFunc(ctx)
	}
	if c.Key == nil {
		return nil, device.ErrUnsupported
	}
	return c.Key, nil
}

func (c *Credential) Decrypter(ctx context.Context) (crypto.Decrypter, error) {
	if c.DecrypterFunc != nil {
		return c.DecrypterFunc(ctx)
	}
	d, ok := c.Key.(crypto.Decrypter)
	if !ok {
		return nil, device.ErrUnsupported
	}
	return d, nil
}

func (c *Credential) SupportedHashes() []crypto.Hash {
	if c.Hashes != nil {
		return c.Hashes
	}
	return device.DefaultHashes()
}

func (c *Credential) ChangeCredential(ctx context.Context, oldPIN, newPIN string) error {
	if c.ChangeFunc != nil {
		return c.ChangeFunc(ctx, oldPIN, newPIN)
	}
	return device.ErrUnsupported
}

func (c *Credential) Info() device.Info { return c.InfoValue }

func (c *Credential) Close() error {
	c.Closed = true
	return nil
}

// Driver opens a fixed credential.
type Driver struct {
	NameValue string

	// OpenFunc overrides Open.
	OpenFunc func(ctx context.Context, opts device.Options, p prompt.CredentialPrompter) (device.Credential, error)

	Credential *Credential
}

// NewDriver returns a driver that always opens cred.
func NewDriver(cred *Credential) *Driver {
	return &Driver{NameValue: "mock", Credential: cred}
}

func (d *Driver) Name() string {
	if d.NameValue != "" {
		return d.NameValue
	}
	return "mock"
}

func (d *Driver) Open(ctx context.Context, opts device.Options, p prompt.CredentialPrompter) (device.Credential, error) {
	if d.OpenFunc != nil {
		return d.OpenFunc(ctx, opts, p)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Credential, nil
}
