package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/sassoftware/relic/v7/lib/pkcs7"
	"github.com/sassoftware/relic/v7/lib/x509tools"
)

// SignedData is a parsed CMS SignedData container.
type SignedData struct {
	// Content is the encapsulated content, nil for detached containers.
	Content      []byte
	Certificates []*x509.Certificate
	Signers      []*SignerInfo

	raw *pkcs7.SignedData
}

// Detached reports whether the container carries no content.
func (sd *SignedData) Detached() bool {
	return sd.Content == nil
}

// SignerInfo is one parsed signer entry.
type SignerInfo struct {
	IssuerRaw []byte
	Serial    *big.Int
	Hash      crypto.Hash
	PSS       bool

	// SigningTime is the signed signingTime attribute, if present.
	SigningTime *time.Time

	// TimestampToken is the unsigned signature timestamp attribute, if present.
	TimestampToken []byte

	Signature []byte

	info *pkcs7.SignerInfo
}

// Matches reports whether cert is identified by the signer's issuer and serial.
func (si *SignerInfo) Matches(cert *x509.Certificate) bool {
	return signerMatches(si.info, cert)
}

// IsPSS reports whether the signer used RSASSA-PSS.
func (si *SignerInfo) IsPSS() bool {
	return si.PSS
}

// normalize strips PEM armour so callers may pass either encoding.
func normalize(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		if block, _ := pem.Decode(trimmed); block != nil {
			return block.Bytes
		}
	}
	return data
}

// ContentType returns the outer content type of a CMS ContentInfo.
func ContentType(data []byte) (asn1.ObjectIdentifier, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	var ci pkcs7.ContentInfo
	if _, err := asn1.Unmarshal(normalize(data), &ci); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return ci.ContentType, nil
}

// IsSignedData reports whether data parses as a CMS SignedData.
func IsSignedData(data []byte) bool {
	ct, err := ContentType(data)
	return err == nil && ct.Equal(OIDSignedData)
}

// IsEnvelopedData reports whether data parses as a CMS EnvelopedData.
func IsEnvelopedData(data []byte) bool {
	ct, err := ContentType(data)
	return err == nil && ct.Equal(OIDEnvelopedData)
}

func parseSignedData(data []byte) (*pkcs7.SignedData, error) {
	ct, err := ContentType(data)
	if err != nil {
		return nil, err
	}
	if !ct.Equal(OIDSignedData) {
		return nil, errors.Wrapf(ErrNotSignedData, "content type %s", ct)
	}
	psd, err := pkcs7.Unmarshal(normalize(data))
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return &psd.Content, nil
}

// Parse decodes a DER or PEM encoded SignedData.
func Parse(data []byte) (*SignedData, error) {
	raw, err := parseSignedData(data)
	if err != nil {
		return nil, err
	}

	out := &SignedData{raw: raw}
	if out.Content, err = encapsulated(raw.ContentInfo); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if out.Certificates, err = raw.Certificates.Parse(); err != nil {
		return nil, errors.Wrap(ErrMalformed, "certificates: "+err.Error())
	}

	if len(raw.SignerInfos) == 0 {
		return nil, errors.Wrap(ErrMalformed, "no signer infos")
	}
	for i := range raw.SignerInfos {
		si, err := parseSignerInfo(&raw.SignerInfos[i])
		if err != nil {
			return nil, errors.Wrapf(err, "signer %d", i)
		}
		out.Signers = append(out.Signers, si)
	}
	return out, nil
}

func parseSignerInfo(info *pkcs7.SignerInfo) (*SignerInfo, error) {
	hash, err := HashForOID(info.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}

	si := &SignerInfo{
		IssuerRaw: info.IssuerAndSerialNumber.IssuerName.FullBytes,
		Serial:    info.IssuerAndSerialNumber.SerialNumber,
		Hash:      hash,
		PSS:       info.DigestEncryptionAlgorithm.Algorithm.Equal(x509tools.OidSignatureRSAPSS),
		Signature: info.EncryptedDigest,
		info:      info,
	}

	if t, err := info.SigningTime(); err == nil {
		si.SigningTime = &t
	}
	var token asn1.RawValue
	if err := info.UnauthenticatedAttributes.GetOne(oidAttributeTimeStampToken, &token); err == nil {
		si.TimestampToken = token.FullBytes
	}
	return si, nil
}

// FindCertificate resolves the signer certificate from the embedded set,
// then from the externally supplied candidates.
func (sd *SignedData) FindCertificate(si *SignerInfo, external []*x509.Certificate) *x509.Certificate {
	for _, pool := range [][]*x509.Certificate{sd.Certificates, external} {
		for _, c := range pool {
			if si.Matches(c) {
				return c
			}
		}
	}
	return nil
}
