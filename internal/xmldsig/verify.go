package xmldsig

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"math/big"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/transform"
)

// Document is a parsed signed XML document.
type Document struct {
	doc        *etree.Document
	Signatures []*Signature
}

// Signature is one parsed Signature element.
type Signature struct {
	// Index orders countersignatures; signature k covers signatures 1..k-1.
	Index int

	Hash         crypto.Hash
	PSS          bool
	ECDSA        bool
	Filters      []record.TransformFilter
	IssuerName   string
	Serial       *big.Int
	Certificates []*x509.Certificate

	digestHash  crypto.Hash
	digestValue []byte
	value       []byte
	el          *etree.Element
}

// IsXML reports whether data looks like an XML document.
func IsXML(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n\xef\xbb\xbf")
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// Parse reads a signed document and every Signature element in it.
func Parse(data []byte) (*Document, error) {
	doc, err := parse(data)
	if err != nil {
		return nil, err
	}
	elements := findSignatures(doc.Root())
	if len(elements) == 0 {
		return nil, ErrNoSignature
	}

	d := &Document{doc: doc}
	for i, el := range elements {
		sig, err := parseSignature(el, i+1)
		if err != nil {
			return nil, err
		}
		d.Signatures = append(d.Signatures, sig)
	}
	return d, nil
}

func findSignatures(root *etree.Element) []*etree.Element {
	var out []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.Tag == "Signature" && e.NamespaceURI() == NamespaceDSig {
			out = append(out, e)
			return
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(root)
	return out
}

func signatureIndex(el *etree.Element, fallback int) int {
	id := el.SelectAttrValue("Id", "")
	if n, err := strconv.Atoi(strings.TrimPrefix(id, "Signature-")); err == nil && strings.HasPrefix(id, "Signature-") {
		return n
	}
	return fallback
}

func child(el *etree.Element, name string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == name && c.NamespaceURI() == NamespaceDSig {
			return c
		}
	}
	return nil
}

func decodeText(el *etree.Element) ([]byte, error) {
	text := strings.Join(strings.Fields(el.Text()), "")
	return base64.StdEncoding.DecodeString(text)
}

func parseSignature(el *etree.Element, position int) (*Signature, error) {
	sig := &Signature{Index: signatureIndex(el, position), el: el}

	signedInfo := child(el, "SignedInfo")
	method := child(signedInfo, "SignatureMethod")
	ref := child(signedInfo, "Reference")
	valueEl := child(el, "SignatureValue")
	if method == nil || ref == nil || valueEl == nil {
		return nil, errors.Wrap(ErrMalformed, "incomplete Signature element")
	}
	if c14n := child(signedInfo, "CanonicalizationMethod"); c14n == nil || c14n.SelectAttrValue("Algorithm", "") != AlgorithmExcC14N {
		return nil, errors.Wrap(ErrUnsupportedAlgorithm, "canonicalization method")
	}
	if ref.SelectAttrValue("URI", "-") != "" {
		return nil, errors.Wrap(ErrUnsupportedAlgorithm, "only whole-document references are supported")
	}

	m, err := parseSignatureURI(method.SelectAttrValue("Algorithm", ""))
	if err != nil {
		return nil, err
	}
	sig.Hash, sig.PSS, sig.ECDSA = m.hash, m.pss, m.ecdsa

	if sig.value, err = decodeText(valueEl); err != nil {
		return nil, errors.Wrap(ErrMalformed, "SignatureValue: "+err.Error())
	}

	digestMethod := child(ref, "DigestMethod")
	digestValue := child(ref, "DigestValue")
	if digestMethod == nil || digestValue == nil {
		return nil, errors.Wrap(ErrMalformed, "reference lacks digest")
	}
	if sig.digestHash, err = parseDigestURI(digestMethod.SelectAttrValue("Algorithm", "")); err != nil {
		return nil, err
	}
	if sig.digestValue, err = decodeText(digestValue); err != nil {
		return nil, errors.Wrap(ErrMalformed, "DigestValue: "+err.Error())
	}

	if transforms := child(ref, "Transforms"); transforms != nil {
		for _, tr := range transforms.ChildElements() {
			switch alg := tr.SelectAttrValue("Algorithm", ""); alg {
			case AlgorithmEnveloped, AlgorithmExcC14N:
			case AlgorithmXPathFilter:
				for _, xp := range tr.ChildElements() {
					if xp.Tag != "XPath" || xp.NamespaceURI() != NamespaceFilter2 {
						continue
					}
					op, err := parseFilterName(xp.SelectAttrValue("Filter", ""))
					if err != nil {
						return nil, err
					}
					ns := map[string]string{}
					for _, a := range xp.Attr {
						if a.Space == "xmlns" && a.Key != xp.Space {
							ns[a.Key] = a.Value
						}
					}
					sig.Filters = append(sig.Filters, record.TransformFilter{
						Expression: strings.TrimSpace(xp.Text()),
						Operator:   op,
						Namespaces: ns,
					})
				}
			default:
				return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "transform %s", alg)
			}
		}
	}

	if x509Data := child(child(el, "KeyInfo"), "X509Data"); x509Data != nil {
		if ias := child(x509Data, "X509IssuerSerial"); ias != nil {
			if name := child(ias, "X509IssuerName"); name != nil {
				sig.IssuerName = strings.TrimSpace(name.Text())
			}
			if serial := child(ias, "X509SerialNumber"); serial != nil {
				if n, ok := new(big.Int).SetString(strings.TrimSpace(serial.Text()), 10); ok {
					sig.Serial = n
				}
			}
		}
		for _, c := range x509Data.ChildElements() {
			if c.Tag != "X509Certificate" || c.NamespaceURI() != NamespaceDSig {
				continue
			}
			der, err := decodeText(c)
			if err != nil {
				return nil, errors.Wrap(ErrMalformed, "X509Certificate: "+err.Error())
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, errors.Wrap(ErrMalformed, "X509Certificate: "+err.Error())
			}
			sig.Certificates = append(sig.Certificates, cert)
		}
	}
	return sig, nil
}

// Matches reports whether cert is the one named by the signer identifier.
// Without an identifier any certificate matches.
func (s *Signature) Matches(cert *x509.Certificate) bool {
	if s.Serial == nil {
		return true
	}
	if cert.SerialNumber.Cmp(s.Serial) != 0 {
		return false
	}
	return s.IssuerName == "" || s.IssuerName == cert.Issuer.String()
}

// FindCertificate resolves the signer certificate among the embedded and
// external certificates.
func (s *Signature) FindCertificate(external []*x509.Certificate) *x509.Certificate {
	candidates := append(append([]*x509.Certificate(nil), s.Certificates...), external...)
	if s.Serial == nil {
		if len(s.Certificates) > 0 {
			return s.Certificates[0]
		}
		return nil
	}
	for _, c := range candidates {
		if s.Matches(c) {
			return c
		}
	}
	return nil
}

// Verify recomputes the reference digest of sig, over the document with
// sig and every later signature removed, and checks the signature value.
func (d *Document) Verify(sig *Signature, cert *x509.Certificate) error {
	if cert == nil || !sig.Matches(cert) {
		return ErrSignerNotFound
	}

	covered := d.without(sig.Index)
	digest, err := referenceDigest(covered, sig.digestHash, sig.Filters)
	if err != nil {
		return errors.Wrap(ErrDigestMismatch, err.Error())
	}
	if !bytes.Equal(digest, sig.digestValue) {
		return ErrDigestMismatch
	}

	canonical, err := transform.CanonicalElement(child(sig.el, "SignedInfo"))
	if err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return verifyBytes(cert.PublicKey, sig, canonical)
}

// without returns a copy of the document minus every signature whose index
// is at least from.
func (d *Document) without(from int) *etree.Document {
	cp := d.doc.Copy()
	for i, el := range findSignatures(cp.Root()) {
		if signatureIndex(el, i+1) >= from {
			if p := el.Parent(); p != nil {
				p.RemoveChild(el)
			}
		}
	}
	return cp
}

// Content returns the document with every signature removed.
func (d *Document) Content() ([]byte, error) {
	out, err := d.without(0).WriteToBytes()
	if err != nil {
		return nil, errors.Wrap(err, "serialize document")
	}
	return out, nil
}

// SameContent reports whether document, with any signatures removed, is
// canonically equal to the signed content of d.
func (d *Document) SameContent(document []byte) (bool, error) {
	other, err := parse(document)
	if err != nil {
		return false, err
	}
	if other, err = reparse(other); err != nil {
		return false, err
	}
	want, err := transform.CanonicalElement(d.without(0).Root())
	if err != nil {
		return false, errors.Wrap(ErrMalformed, err.Error())
	}
	got, err := transform.CanonicalElement((&Document{doc: other}).without(0).Root())
	if err != nil {
		return false, errors.Wrap(ErrMalformed, err.Error())
	}
	return bytes.Equal(want, got), nil
}

func verifyBytes(pub crypto.PublicKey, sig *Signature, data []byte) error {
	h := sig.Hash.New()
	h.Write(data)
	digest := h.Sum(nil)

	switch key := pub.(type) {
	case *rsa.PublicKey:
		if sig.ECDSA {
			return errors.Wrap(ErrSignatureInvalid, "ECDSA method with RSA key")
		}
		var err error
		if sig.PSS {
			err = rsa.VerifyPSS(key, sig.Hash, digest, sig.value, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: sig.Hash})
		} else {
			err = rsa.VerifyPKCS1v15(key, sig.Hash, digest, sig.value)
		}
		if err != nil {
			return errors.Wrap(ErrSignatureInvalid, err.Error())
		}
		return nil
	case *ecdsa.PublicKey:
		if !sig.ECDSA || len(sig.value)%2 != 0 {
			return ErrSignatureInvalid
		}
		half := len(sig.value) / 2
		r := new(big.Int).SetBytes(sig.value[:half])
		s := new(big.Int).SetBytes(sig.value[half:])
		if !ecdsa.Verify(key, digest, r, s) {
			return ErrSignatureInvalid
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupportedAlgorithm, "public key type %T", pub)
}
