// Package xmldsig creates and verifies enveloped XML signatures, optionally
// restricted to a node selection through XPath Filter 2.0 transforms. Each
// new signature covers the document including every earlier signature.
package xmldsig

import (
	"crypto"
	"crypto/x509"

	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
)

const (
	NamespaceDSig    = "http://www.w3.org/2000/09/xmldsig#"
	NamespaceFilter2 = "http://www.w3.org/2002/06/xmldsig-filter2"

	AlgorithmExcC14N    = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmEnveloped  = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	AlgorithmXPathFilter = NamespaceFilter2
)

var (
	digestURIs = map[crypto.Hash]string{
		crypto.SHA1:   "http://www.w3.org/2000/09/xmldsig#sha1",
		crypto.SHA256: "http://www.w3.org/2001/04/xmlenc#sha256",
		crypto.SHA384: "http://www.w3.org/2001/04/xmldsig-more#sha384",
		crypto.SHA512: "http://www.w3.org/2001/04/xmlenc#sha512",
	}

	rsaURIs = map[crypto.Hash]string{
		crypto.SHA1:   "http://www.w3.org/2000/09/xmldsig#rsa-sha1",
		crypto.SHA256: "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256",
		crypto.SHA384: "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384",
		crypto.SHA512: "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512",
	}

	pssURIs = map[crypto.Hash]string{
		crypto.SHA1:   "http://www.w3.org/2007/05/xmldsig-more#sha1-rsa-MGF1",
		crypto.SHA256: "http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1",
		crypto.SHA384: "http://www.w3.org/2007/05/xmldsig-more#sha384-rsa-MGF1",
		crypto.SHA512: "http://www.w3.org/2007/05/xmldsig-more#sha512-rsa-MGF1",
	}

	ecdsaURIs = map[crypto.Hash]string{
		crypto.SHA1:   "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha1",
		crypto.SHA256: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256",
		crypto.SHA384: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha384",
		crypto.SHA512: "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha512",
	}
)

type signatureMethod struct {
	hash  crypto.Hash
	pss   bool
	ecdsa bool
}

func signatureURI(h crypto.Hash, pss bool, algo x509.PublicKeyAlgorithm) (string, error) {
	var table map[crypto.Hash]string
	switch {
	case algo == x509.ECDSA && pss:
		return "", errors.Wrap(ErrUnsupportedAlgorithm, "PSS padding requires an RSA key")
	case algo == x509.ECDSA:
		table = ecdsaURIs
	case algo == x509.RSA && pss:
		table = pssURIs
	case algo == x509.RSA:
		table = rsaURIs
	default:
		return "", errors.Wrapf(ErrUnsupportedAlgorithm, "key algorithm %v", algo)
	}
	uri, ok := table[h]
	if !ok {
		return "", errors.Wrapf(ErrUnsupportedAlgorithm, "hash %s", record.HashName(h))
	}
	return uri, nil
}

func parseSignatureURI(uri string) (signatureMethod, error) {
	for h, u := range rsaURIs {
		if u == uri {
			return signatureMethod{hash: h}, nil
		}
	}
	for h, u := range pssURIs {
		if u == uri {
			return signatureMethod{hash: h, pss: true}, nil
		}
	}
	for h, u := range ecdsaURIs {
		if u == uri {
			return signatureMethod{hash: h, ecdsa: true}, nil
		}
	}
	return signatureMethod{}, errors.Wrapf(ErrUnsupportedAlgorithm, "signature method %s", uri)
}

func parseDigestURI(uri string) (crypto.Hash, error) {
	for h, u := range digestURIs {
		if u == uri {
			return h, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "digest method %s", uri)
}

var filterNames = map[record.FilterOperator]string{
	record.FilterIntersect: "intersect",
	record.FilterSubtract:  "subtract",
	record.FilterUnion:     "union",
}

func parseFilterName(name string) (record.FilterOperator, error) {
	for op, n := range filterNames {
		if n == name {
			return op, nil
		}
	}
	return "", errors.Wrapf(ErrMalformed, "unknown XPath filter %q", name)
}
