package xmldsig

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"sort"

	"github.com/beevik/etree"
	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/transform"
)

// SignOptions shapes a new Signature element.
type SignOptions struct {
	Hash               crypto.Hash
	PSS                bool
	Certificate        *x509.Certificate
	IncludeCertificate bool
	ExtraCertificates  []*x509.Certificate

	// NodePath locates the element the Signature is appended to; the
	// document root when empty. Namespace is bound to the prefix "ns".
	NodePath  string
	Namespace string

	// Filters restrict the signed content to a node selection.
	Filters []record.TransformFilter
}

// Sign appends an enveloped Signature to the XML document and returns the
// serialized result. Existing signatures are left untouched and become part
// of the signed content.
func Sign(document []byte, key crypto.Signer, opts SignOptions) ([]byte, error) {
	if opts.Certificate == nil {
		return nil, errors.New("xmldsig: signer certificate is required")
	}
	if !opts.Hash.Available() {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "hash %v", opts.Hash)
	}
	digestURI, ok := digestURIs[opts.Hash]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "hash %s", record.HashName(opts.Hash))
	}
	sigURI, err := signatureURI(opts.Hash, opts.PSS, opts.Certificate.PublicKeyAlgorithm)
	if err != nil {
		return nil, err
	}

	doc, err := parse(document)
	if err != nil {
		return nil, err
	}
	if doc, err = reparse(doc); err != nil {
		return nil, err
	}
	parent, err := locate(doc, opts.NodePath, opts.Namespace)
	if err != nil {
		return nil, err
	}

	existing := findSignatures(doc.Root())
	index := 1
	for _, e := range existing {
		if n := signatureIndex(e, 0); n >= index {
			index = n + 1
		}
	}
	if len(existing) >= index {
		index = len(existing) + 1
	}

	digest, err := referenceDigest(doc, opts.Hash, opts.Filters)
	if err != nil {
		return nil, err
	}

	sig := parent.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NamespaceDSig)
	sig.CreateAttr("Id", fmt.Sprintf("Signature-%d", index))

	signedInfo := sig.CreateElement("ds:SignedInfo")
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmExcC14N)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", sigURI)

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "")
	transforms := ref.CreateElement("ds:Transforms")
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", AlgorithmEnveloped)
	if len(opts.Filters) > 0 {
		xf := transforms.CreateElement("ds:Transform")
		xf.CreateAttr("Algorithm", AlgorithmXPathFilter)
		for _, f := range opts.Filters {
			name, ok := filterNames[f.Operator]
			if !ok {
				return nil, errors.Wrapf(transform.ErrInvalidFilter, "unknown operator %q", f.Operator)
			}
			xp := xf.CreateElement("dsig-xpath:XPath")
			xp.CreateAttr("xmlns:dsig-xpath", NamespaceFilter2)
			for _, pair := range sortedNamespaces(f.Namespaces) {
				xp.CreateAttr("xmlns:"+pair[0], pair[1])
			}
			xp.CreateAttr("Filter", name)
			xp.SetText(f.Expression)
		}
	}
	transforms.CreateElement("ds:Transform").CreateAttr("Algorithm", AlgorithmExcC14N)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", digestURI)
	ref.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest))

	canonical, err := transform.CanonicalElement(signedInfo)
	if err != nil {
		return nil, err
	}
	value, err := signBytes(key, opts.Hash, opts.PSS, canonical)
	if err != nil {
		return nil, err
	}
	sig.CreateElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))

	x509Data := sig.CreateElement("ds:KeyInfo").CreateElement("ds:X509Data")
	ias := x509Data.CreateElement("ds:X509IssuerSerial")
	ias.CreateElement("ds:X509IssuerName").SetText(opts.Certificate.Issuer.String())
	ias.CreateElement("ds:X509SerialNumber").SetText(opts.Certificate.SerialNumber.String())
	if opts.IncludeCertificate {
		x509Data.CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(opts.Certificate.Raw))
	}
	for _, c := range opts.ExtraCertificates {
		x509Data.CreateElement("ds:X509Certificate").SetText(base64.StdEncoding.EncodeToString(c.Raw))
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, errors.Wrap(err, "serialize signed document")
	}
	return out, nil
}

// sortedNamespaces returns prefix/uri pairs ordered by prefix.
func sortedNamespaces(ns map[string]string) [][2]string {
	out := make([][2]string, 0, len(ns))
	for p, u := range ns {
		out = append(out, [2]string{p, u})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func parse(document []byte) (*etree.Document, error) {
	if len(document) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty document")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if doc.Root() == nil {
		return nil, errors.Wrap(ErrMalformed, "no root element")
	}
	return doc, nil
}

// reparse serializes doc and reads it back. The writer emits some
// character references, such as &#13;, as raw characters that a parser
// normalizes, so the digest must be taken over the tree a verifier will see.
func reparse(doc *etree.Document) (*etree.Document, error) {
	b, err := doc.WriteToBytes()
	if err != nil {
		return nil, errors.Wrap(err, "serialize document")
	}
	return parse(b)
}

func locate(doc *etree.Document, nodePath, namespace string) (*etree.Element, error) {
	if nodePath == "" {
		return doc.Root(), nil
	}
	var ns map[string]string
	if namespace != "" {
		ns = map[string]string{"ns": namespace}
	}
	path, err := etree.CompilePath(transform.Rewrite(nodePath, ns))
	if err != nil {
		return nil, errors.Wrapf(ErrNodeNotFound, "%s: %v", nodePath, err)
	}
	el := doc.FindElementPath(path)
	if el == nil {
		return nil, errors.Wrap(ErrNodeNotFound, nodePath)
	}
	return el, nil
}

// referenceDigest hashes the canonical form of the selection over doc, which
// must already be stripped of signatures outside the reference.
func referenceDigest(doc *etree.Document, h crypto.Hash, filters []record.TransformFilter) ([]byte, error) {
	set, err := transform.Select(doc, filters)
	if err != nil {
		return nil, err
	}
	canonical, err := set.Canonical()
	if err != nil {
		return nil, err
	}
	d := h.New()
	d.Write(canonical)
	return d.Sum(nil), nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

func signBytes(key crypto.Signer, h crypto.Hash, pss bool, data []byte) ([]byte, error) {
	d := h.New()
	d.Write(data)
	digest := d.Sum(nil)

	var opts crypto.SignerOpts = h
	if pss {
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	sig, err := key.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, errors.Wrap(err, "sign SignedInfo")
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return sig, nil
	}
	// XML-DSig carries ECDSA signatures as fixed-width r||s.
	var parsed ecdsaSignature
	if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
		return nil, errors.Wrap(err, "decode ECDSA signature")
	}
	size := (pub.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	parsed.R.FillBytes(out[:size])
	parsed.S.FillBytes(out[size:])
	return out, nil
}
