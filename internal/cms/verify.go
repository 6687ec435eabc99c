package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/x509"

	"github.com/pkg/errors"
	"github.com/sassoftware/relic/v7/lib/pkcs7"
	"github.com/sassoftware/relic/v7/lib/x509tools"
)

// Verify checks one signer against content and cert. It returns
// ErrDigestMismatch when the content does not match the signed digest and
// ErrSignatureInvalid when the signature value does not verify.
func (sd *SignedData) Verify(si *SignerInfo, content []byte, cert *x509.Certificate) error {
	if cert == nil {
		return ErrSignerNotFound
	}
	if !si.Matches(cert) {
		return errors.Wrap(ErrSignerNotFound, "certificate does not match signer identifier")
	}
	if content == nil {
		content = sd.Content
	}
	if content == nil {
		return ErrDetachedContentRequired
	}

	h := si.Hash.New()
	h.Write(content)
	digest := h.Sum(nil)

	if attrs := si.info.AuthenticatedAttributes; len(attrs) > 0 {
		var want []byte
		if err := attrs.GetOne(pkcs7.OidAttributeMessageDigest, &want); err != nil {
			return errors.Wrap(ErrMalformed, "messageDigest: "+err.Error())
		}
		if !hmac.Equal(want, digest) {
			return ErrDigestMismatch
		}

		signed, err := si.info.AuthenticatedAttributesBytes()
		if err != nil {
			return errors.Wrap(ErrMalformed, err.Error())
		}
		h := si.Hash.New()
		h.Write(signed)
		digest = h.Sum(nil)
	}

	err := x509tools.PkixVerify(cert.PublicKey, si.info.DigestAlgorithm, si.info.DigestEncryptionAlgorithm, digest, si.Signature)
	if err != nil {
		return errors.Wrap(ErrSignatureInvalid, err.Error())
	}
	return nil
}

// SignatureAlgorithmName returns a display name such as "SHA256-RSA-PSS".
func (si *SignerInfo) SignatureAlgorithmName(cert *x509.Certificate) string {
	name := hashDisplay(si.Hash)
	if cert == nil {
		return name
	}
	switch cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if si.PSS {
			return name + "-RSA-PSS"
		}
		return name + "-RSA"
	case *ecdsa.PublicKey:
		return name + "-ECDSA"
	}
	return name
}

func hashDisplay(h crypto.Hash) string {
	switch h {
	case crypto.SHA1:
		return "SHA1"
	case crypto.SHA224:
		return "SHA224"
	case crypto.SHA256:
		return "SHA256"
	case crypto.SHA384:
		return "SHA384"
	case crypto.SHA512:
		return "SHA512"
	case crypto.MD5:
		return "MD5"
	}
	return h.String()
}
