package cms

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"sort"

	"github.com/pkg/errors"
	"github.com/sassoftware/relic/v7/lib/pkcs7"
)

// signedDataOut mirrors pkcs7.SignedData for encoding. The signer set is
// written pre-encoded: encoding/asn1 sorts a SET OF, which would reorder the
// signers of an existing container.
type signedDataOut struct {
	Version                    int
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                pkcs7.ContentInfo
	Certificates               pkcs7.RawCertificates  `asn1:"optional,tag:0"`
	CRLs                       []pkix.CertificateList `asn1:"optional,tag:1"`
	SignerInfos                asn1.RawValue
}

type contentInfoOut struct {
	ContentType asn1.ObjectIdentifier
	Content     signedDataOut `asn1:"explicit,tag:0"`
}

// marshalSignedData encodes sd as a ContentInfo. Parsed signers carry their
// original encoding and are written back byte for byte.
func marshalSignedData(sd *pkcs7.SignedData) ([]byte, error) {
	var signers []byte
	for i := range sd.SignerInfos {
		der, err := asn1.Marshal(sd.SignerInfos[i])
		if err != nil {
			return nil, errors.Wrap(err, "marshal signer info")
		}
		signers = append(signers, der...)
	}
	out, err := asn1.Marshal(contentInfoOut{
		ContentType: pkcs7.OidSignedData,
		Content: signedDataOut{
			Version:                    sd.Version,
			DigestAlgorithmIdentifiers: sd.DigestAlgorithmIdentifiers,
			ContentInfo:                sd.ContentInfo,
			Certificates:               sd.Certificates,
			CRLs:                       sd.CRLs,
			SignerInfos:                asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: signers},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal signed data")
	}
	return out, nil
}

func rawCertificates(certs []*x509.Certificate) pkcs7.RawCertificates {
	if len(certs) == 0 {
		return nil
	}
	raw := make(pkcs7.RawCertificates, len(certs))
	for i, c := range certs {
		raw[i] = asn1.RawValue{FullBytes: c.Raw}
	}
	return raw
}

func signerMatches(si *pkcs7.SignerInfo, cert *x509.Certificate) bool {
	if si.IssuerAndSerialNumber.SerialNumber == nil {
		return false
	}
	_, err := si.FindCertificate([]*x509.Certificate{cert})
	return err == nil
}

// sortAttributes orders attributes by their DER encoding so the container
// order matches the DER SET OF order the signature is computed over.
func sortAttributes(attrs pkcs7.AttributeList) (pkcs7.AttributeList, error) {
	type encodedAttr struct {
		attr pkcs7.Attribute
		der  []byte
	}
	encoded := make([]encodedAttr, 0, len(attrs))
	for _, a := range attrs {
		der, err := asn1.Marshal(a)
		if err != nil {
			return nil, errors.Wrap(err, "marshal attribute")
		}
		encoded = append(encoded, encodedAttr{attr: a, der: der})
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i].der, encoded[j].der) < 0
	})
	out := make(pkcs7.AttributeList, len(encoded))
	for i, e := range encoded {
		out[i] = e.attr
	}
	return out, nil
}

// encapsulated returns the content of ci, nil when it carries none.
func encapsulated(ci pkcs7.ContentInfo) ([]byte, error) {
	var v asn1.RawValue
	if err := ci.Unmarshal(&v); err != nil {
		var short asn1.SyntaxError
		if errors.As(err, &short) {
			return nil, nil
		}
		return nil, err
	}
	content, err := octets(v.FullBytes)
	if err != nil {
		return nil, err
	}
	if content == nil {
		content = []byte{}
	}
	return content, nil
}

// octets unwraps an OCTET STRING, including the constructed form some BER
// encoders emit.
func octets(der []byte) ([]byte, error) {
	var v asn1.RawValue
	if _, err := asn1.Unmarshal(der, &v); err != nil {
		return nil, err
	}
	if v.Tag != asn1.TagOctetString {
		return nil, errors.Errorf("expected OCTET STRING, got tag %d", v.Tag)
	}
	if !v.IsCompound {
		return v.Bytes, nil
	}
	var out []byte
	rest := v.Bytes
	for len(rest) > 0 {
		var part asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &part)
		if err != nil {
			return nil, err
		}
		out = append(out, part.Bytes...)
	}
	return out, nil
}
