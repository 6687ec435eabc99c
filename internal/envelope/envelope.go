// Package envelope provides confidentiality-only hybrid encryption: a CMS
// EnvelopedData with an AES-256-CBC content key transported to each
// recipient under RSA.
package envelope

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"sync"

	"github.com/digitorus/pkcs7"
	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/cms"
)

var (
	// ErrNoRecipients indicates Encrypt was called with an empty recipient set.
	ErrNoRecipients = errors.New("envelope: no recipients")

	// ErrInvalidRecipient indicates a recipient certificate cannot receive a
	// transported key.
	ErrInvalidRecipient = errors.New("envelope: recipient cannot be used for key transport")

	// ErrNotEnveloped indicates the input is not a CMS EnvelopedData.
	ErrNotEnveloped = errors.New("envelope: not an EnvelopedData container")

	// ErrNotRecipient indicates the supplied certificate is not among the recipients.
	ErrNotRecipient = errors.New("envelope: certificate is not a recipient")
)

// pkcs7 selects the content cipher through a package variable.
var encryptMu sync.Mutex

// CheckRecipient reports why cert cannot be an encryption target, or nil.
func CheckRecipient(cert *x509.Certificate) error {
	if cert == nil {
		return errors.Wrap(ErrInvalidRecipient, "nil certificate")
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return errors.Wrapf(ErrInvalidRecipient, "%s: key transport requires an RSA key", cert.Subject.CommonName)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageKeyEncipherment == 0 {
		return errors.Wrapf(ErrInvalidRecipient, "%s: key usage excludes key encipherment", cert.Subject.CommonName)
	}
	return nil
}

// Encrypt wraps data for every recipient. Any one of the recipients' private
// keys recovers it.
func Encrypt(data []byte, recipients []*x509.Certificate) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	for _, r := range recipients {
		if err := CheckRecipient(r); err != nil {
			return nil, err
		}
	}

	encryptMu.Lock()
	defer encryptMu.Unlock()
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256CBC
	out, err := pkcs7.Encrypt(data, recipients)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt")
	}
	return out, nil
}

// Decrypt recovers the payload of an EnvelopedData for the recipient cert.
// wasSigned reports whether the payload is itself a CMS SignedData.
func Decrypt(container []byte, cert *x509.Certificate, key crypto.Decrypter) (plain []byte, wasSigned bool, err error) {
	if !cms.IsEnvelopedData(container) {
		return nil, false, ErrNotEnveloped
	}
	if cert == nil || key == nil {
		return nil, false, errors.New("envelope: decryption credential is required")
	}

	p7, err := pkcs7.Parse(container)
	if err != nil {
		return nil, false, errors.Wrap(ErrNotEnveloped, err.Error())
	}
	plain, err = p7.Decrypt(cert, key)
	if err != nil {
		if errors.Is(err, pkcs7.ErrNotEncryptedContent) {
			return nil, false, ErrNotEnveloped
		}
		return nil, false, errors.Wrap(ErrNotRecipient, err.Error())
	}
	return plain, cms.IsSignedData(plain), nil
}
