package cms

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"

	"github.com/pkg/errors"
	"github.com/sassoftware/relic/v7/lib/pkcs7"
	"github.com/sassoftware/relic/v7/lib/x509tools"
)

// Timestamper returns an RFC 3161 token over a signature value. It is used to
// attach a signature timestamp as an unsigned attribute.
type Timestamper func(signature []byte) ([]byte, error)

// SignerOptions describes the signer entry to add.
type SignerOptions struct {
	Hash        crypto.Hash
	PSS         bool
	Certificate *x509.Certificate

	// IncludeCertificate embeds Certificate in the container.
	IncludeCertificate bool

	// ExtraCertificates are embedded alongside the signer certificate.
	ExtraCertificates []*x509.Certificate

	SigningTime time.Time
	Timestamper Timestamper
}

func (o SignerOptions) validate(key crypto.Signer) error {
	if key == nil {
		return errors.New("signing key is required")
	}
	if o.Certificate == nil {
		return errors.New("signer certificate is required")
	}
	if !o.Hash.Available() {
		return errors.Wrapf(ErrUnsupportedAlgorithm, "hash %v is not available", o.Hash)
	}
	if o.PSS {
		if _, ok := key.Public().(*rsa.PublicKey); !ok {
			return errors.Wrap(ErrUnsupportedAlgorithm, "PSS padding requires an RSA key")
		}
	}
	return nil
}

// Sign builds a new SignedData over content with a single signer. A detached
// container omits the content.
func Sign(content []byte, detached bool, key crypto.Signer, opts SignerOptions) ([]byte, error) {
	if err := opts.validate(key); err != nil {
		return nil, err
	}

	si, digestAlg, err := buildSignerInfo(content, key, opts)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	if opts.IncludeCertificate {
		certs = append(certs, opts.Certificate)
	}
	certs = appendUnique(certs, opts.ExtraCertificates...)

	var data interface{}
	if !detached {
		data = content
	}
	eci, err := pkcs7.NewContentInfo(OIDData, data)
	if err != nil {
		return nil, errors.Wrap(err, "marshal content")
	}

	return marshalSignedData(&pkcs7.SignedData{
		Version:                    1,
		DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{digestAlg},
		ContentInfo:                eci,
		Certificates:               rawCertificates(certs),
		SignerInfos:                []pkcs7.SignerInfo{*si},
	})
}

// AddSigner appends a signer to an existing SignedData. Existing signer
// entries are carried over byte for byte. content is required when the
// container is detached and ignored otherwise.
func AddSigner(container, content []byte, key crypto.Signer, opts SignerOptions) ([]byte, error) {
	if err := opts.validate(key); err != nil {
		return nil, err
	}

	sd, err := parseSignedData(container)
	if err != nil {
		return nil, err
	}

	embedded, err := encapsulated(sd.ContentInfo)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if embedded != nil {
		content = embedded
	} else if content == nil {
		return nil, ErrDetachedContentRequired
	}

	si, digestAlg, err := buildSignerInfo(content, key, opts)
	if err != nil {
		return nil, err
	}

	known := false
	for _, a := range sd.DigestAlgorithmIdentifiers {
		if a.Algorithm.Equal(digestAlg.Algorithm) {
			known = true
			break
		}
	}
	if !known {
		sd.DigestAlgorithmIdentifiers = append(sd.DigestAlgorithmIdentifiers, digestAlg)
	}

	certs, err := sd.Certificates.Parse()
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if opts.IncludeCertificate {
		certs = appendUnique(certs, opts.Certificate)
	}
	certs = appendUnique(certs, opts.ExtraCertificates...)
	sd.Certificates = rawCertificates(certs)

	sd.SignerInfos = append(sd.SignerInfos, *si)
	if sd.Version < 1 {
		sd.Version = 1
	}
	return marshalSignedData(sd)
}

// buildSignerInfo signs the attribute set over content the way a
// pkcs7.SignatureBuilder does, with the attributes in DER order and the
// certificate free to differ from the key.
func buildSignerInfo(content []byte, key crypto.Signer, opts SignerOptions) (*pkcs7.SignerInfo, pkix.AlgorithmIdentifier, error) {
	signer := signerOpts(opts.Hash, opts.PSS)
	digestAlg, sigAlg, err := x509tools.PkixAlgorithms(key.Public(), signer)
	if err != nil {
		return nil, digestAlg, errors.Wrap(ErrUnsupportedAlgorithm, err.Error())
	}

	h := opts.Hash.New()
	h.Write(content)
	messageDigest := h.Sum(nil)

	signingTime := opts.SigningTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}

	var attrs pkcs7.AttributeList
	for _, a := range []struct {
		oid   asn1.ObjectIdentifier
		value interface{}
	}{
		{pkcs7.OidAttributeContentType, OIDData},
		{pkcs7.OidAttributeMessageDigest, messageDigest},
		{pkcs7.OidAttributeSigningTime, signingTime.UTC()},
	} {
		if err := attrs.Add(a.oid, a.value); err != nil {
			return nil, digestAlg, errors.Wrapf(err, "marshal attribute %s", a.oid)
		}
	}
	if attrs, err = sortAttributes(attrs); err != nil {
		return nil, digestAlg, err
	}

	signedBytes, err := attrs.Bytes()
	if err != nil {
		return nil, digestAlg, errors.Wrap(err, "marshal signed attributes")
	}
	h = opts.Hash.New()
	h.Write(signedBytes)
	signature, err := key.Sign(rand.Reader, h.Sum(nil), signer)
	if err != nil {
		return nil, digestAlg, errors.Wrap(err, "sign attributes")
	}

	si := &pkcs7.SignerInfo{
		Version: 1,
		IssuerAndSerialNumber: pkcs7.IssuerAndSerial{
			IssuerName:   asn1.RawValue{FullBytes: opts.Certificate.RawIssuer},
			SerialNumber: opts.Certificate.SerialNumber,
		},
		DigestAlgorithm:           digestAlg,
		AuthenticatedAttributes:   attrs,
		DigestEncryptionAlgorithm: sigAlg,
		EncryptedDigest:           signature,
	}

	if opts.Timestamper != nil {
		token, err := opts.Timestamper(signature)
		if err != nil {
			return nil, digestAlg, errors.Wrap(err, "obtain signature timestamp")
		}
		if err := si.UnauthenticatedAttributes.Add(oidAttributeTimeStampToken, asn1.RawValue{FullBytes: token}); err != nil {
			return nil, digestAlg, errors.Wrap(err, "attach signature timestamp")
		}
	}
	return si, digestAlg, nil
}

func appendUnique(certs []*x509.Certificate, more ...*x509.Certificate) []*x509.Certificate {
	for _, c := range more {
		if c == nil {
			continue
		}
		dup := false
		for _, existing := range certs {
			if existing.Equal(c) {
				dup = true
				break
			}
		}
		if !dup {
			certs = append(certs, c)
		}
	}
	return certs
}
