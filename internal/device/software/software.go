// Package software implements the "software" device driver: a key and
// certificate held in a PKCS#12 file or in PEM files.
package software

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/prompt"
)

// DriverName is the registry name of this driver.
const DriverName = "software"

const maxPINAttempts = 3

// Driver opens software credentials.
type Driver struct{}

// NewDriver returns the software driver.
func NewDriver() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string { return DriverName }

// Open loads the credential. A PKCS#12 file takes precedence over PEM files.
func (d *Driver) Open(ctx context.Context, opts device.Options, p prompt.CredentialPrompter) (device.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case opts.PKCS12Path != "":
		return openPKCS12(ctx, opts, p)
	case opts.KeyPath != "" && opts.CertPath != "":
		return openPEM(ctx, opts, p)
	default:
		return nil, errors.New("software device requires a PKCS#12 file or key and certificate files")
	}
}

func openPKCS12(ctx context.Context, opts device.Options, p prompt.CredentialPrompter) (device.Credential, error) {
	data, err := os.ReadFile(opts.PKCS12Path)
	if err != nil {
		return nil, errors.Wrap(err, "read PKCS#12 file")
	}

	req := prompt.PINRequest{Label: opts.PKCS12Path}
	for attempt := 0; attempt < maxPINAttempts; attempt++ {
		pin, err := device.AskPIN(ctx, opts, p, req)
		if err != nil {
			return nil, err
		}
		key, cert, chain, err := pkcs12.DecodeChain(data, pin)
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			log.Debug().Str("file", opts.PKCS12Path).Int("attempt", attempt+1).Msg("wrong PKCS#12 password")
			req.Retry = true
			req.RetriesLeft = maxPINAttempts - attempt - 1
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode PKCS#12 file")
		}
		return newCredential(key, cert, chain, opts.PKCS12Path, pin)
	}
	return nil, device.ErrWrongPIN
}

func openPEM(ctx context.Context, opts device.Options, p prompt.CredentialPrompter) (device.Credential, error) {
	certPEM, err := os.ReadFile(opts.CertPath)
	if err != nil {
		return nil, errors.Wrap(err, "read certificate file")
	}
	certs, err := cryptoutils.UnmarshalCertificatesFromPEM(certPEM)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate file")
	}
	if len(certs) == 0 {
		return nil, errors.Errorf("no certificate in %s", opts.CertPath)
	}

	keyPEM, err := os.ReadFile(opts.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}

	var pf cryptoutils.PassFunc = cryptoutils.SkipPassword
	if encrypted(keyPEM) {
		pf = func(bool) ([]byte, error) {
			pin, err := device.AskPIN(ctx, opts, p, prompt.PINRequest{Label: opts.KeyPath})
			return []byte(pin), err
		}
	}
	key, err := cryptoutils.UnmarshalPEMToPrivateKey(keyPEM, pf)
	if err != nil {
		if errors.Is(err, prompt.ErrCanceled) {
			return nil, err
		}
		return nil, errors.Wrap(err, "parse key file")
	}
	return newCredential(key, certs[0], certs[1:], "", "")
}

func encrypted(keyPEM []byte) bool {
	block, _ := pem.Decode(keyPEM)
	return block != nil && strings.Contains(block.Type, "ENCRYPTED")
}

func newCredential(key interface{}, cert *x509.Certificate, chain []*x509.Certificate, pkcs12Path, pin string) (*Credential, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf("key of type %T cannot sign", key)
	}
	if err := cryptoutils.EqualKeys(signer.Public(), cert.PublicKey); err != nil {
		return nil, errors.Wrap(err, "key does not match certificate")
	}
	return &Credential{
		key:        signer,
		cert:       cert,
		chain:      chain,
		pkcs12Path: pkcs12Path,
		pin:        pin,
	}, nil
}

// Credential is an unlocked software key.
type Credential struct {
	mu         sync.Mutex
	key        crypto.Signer
	cert       *x509.Certificate
	chain      []*x509.Certificate
	pkcs12Path string
	pin        string
	closed     bool
}

func (c *Credential) InitResult() device.InitResult {
	return device.InitResult{
		SigningCertificate:        c.cert,
		AuthenticationCertificate: c.cert,
		DecryptionCertificate:     c.cert,
		Chain:                     c.chain,
	}
}

func (c *Credential) Signer(ctx context.Context) (crypto.Signer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, device.ErrClosed
	}
	return c.key, ctx.Err()
}

func (c *Credential) Decrypter(ctx context.Context) (crypto.Decrypter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, device.ErrClosed
	}
	d, ok := c.key.(crypto.Decrypter)
	if !ok {
		return nil, errors.Wrapf(device.ErrUnsupported, "key of type %T cannot decrypt", c.key)
	}
	return d, ctx.Err()
}

func (c *Credential) SupportedHashes() []crypto.Hash {
	return device.DefaultHashes()
}

// ChangeCredential re-encrypts the PKCS#12 file under newPIN.
func (c *Credential) ChangeCredential(ctx context.Context, oldPIN, newPIN string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.ErrClosed
	}
	if c.pkcs12Path == "" {
		return errors.Wrap(device.ErrUnsupported, "only PKCS#12 credentials carry a PIN")
	}
	if oldPIN != c.pin {
		return device.ErrWrongPIN
	}
	if newPIN == "" {
		return errors.New("new PIN must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := pkcs12.Modern.Encode(c.key, c.cert, c.chain, newPIN)
	if err != nil {
		return errors.Wrap(err, "encode PKCS#12 file")
	}
	info, err := os.Stat(c.pkcs12Path)
	if err != nil {
		return errors.Wrap(err, "stat PKCS#12 file")
	}
	tmp := c.pkcs12Path + ".tmp"
	if err := os.WriteFile(tmp, data, info.Mode().Perm()); err != nil {
		return errors.Wrap(err, "write PKCS#12 file")
	}
	if err := os.Rename(tmp, c.pkcs12Path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "replace PKCS#12 file")
	}
	c.pin = newPIN
	log.Info().Str("file", c.pkcs12Path).Msg("PKCS#12 password changed")
	return nil
}

func (c *Credential) Info() device.Info {
	label := c.cert.Subject.CommonName
	if c.pkcs12Path != "" {
		label = c.pkcs12Path
	}
	return device.Info{
		Driver:       DriverName,
		Label:        label,
		SerialNumber: c.cert.SerialNumber.String(),
		Manufacturer: c.cert.Issuer.CommonName,
	}
}

func (c *Credential) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pin = ""
	return nil
}

// WritePKCS12 stores key, cert and chain as a PKCS#12 file protected by pin.
func WritePKCS12(path string, key crypto.PrivateKey, cert *x509.Certificate, chain []*x509.Certificate, pin string) error {
	data, err := pkcs12.Modern.Encode(key, cert, chain, pin)
	if err != nil {
		return errors.Wrap(err, "encode PKCS#12 file")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o600), "write PKCS#12 file")
}

// WritePEM stores key and cert (followed by chain) as PEM files.
func WritePEM(keyPath, certPath string, key crypto.PrivateKey, cert *x509.Certificate, chain []*x509.Certificate) error {
	keyPEM, err := cryptoutils.MarshalPrivateKeyToPEM(key)
	if err != nil {
		return errors.Wrap(err, "encode key")
	}
	var certPEM bytes.Buffer
	for _, c := range append([]*x509.Certificate{cert}, chain...) {
		out, err := cryptoutils.MarshalCertificateToPEM(c)
		if err != nil {
			return errors.Wrap(err, "encode certificate")
		}
		certPEM.Write(out)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return errors.Wrap(err, "write key file")
	}
	return errors.Wrap(os.WriteFile(certPath, certPEM.Bytes(), 0o644), "write certificate file")
}
