package record

import (
	"crypto"
	"strings"

	"github.com/pkg/errors"
)

// DocumentType is a content hint used for presentation only.
type DocumentType string

const (
	DocumentPlaintext DocumentType = "PLAINTEXT"
	DocumentHTML      DocumentType = "HTML"
	DocumentBinary    DocumentType = "BINARY"
	DocumentImage     DocumentType = "IMAGE"
	DocumentPDF       DocumentType = "PDF"
	DocumentXML       DocumentType = "XML"
	DocumentRTF       DocumentType = "RTF"
	DocumentZIP       DocumentType = "ZIP"
	DocumentZKS       DocumentType = "ZKS"
)

// SignatureFormat selects the signature container.
type SignatureFormat string

const (
	// FormatPKCS7Detached is a CMS SignedData without encapsulated content.
	FormatPKCS7Detached SignatureFormat = "PKCS7_DETACHED"

	// FormatPKCS7Embedded is a CMS SignedData carrying the document.
	FormatPKCS7Embedded SignatureFormat = "PKCS7_EMBEDDED"

	// FormatPDFEmbedded is a signature dictionary inside a PDF incremental update.
	FormatPDFEmbedded SignatureFormat = "PDF_EMBEDDED"

	// FormatXMLDSig is an enveloped XML-DSig Signature element.
	FormatXMLDSig SignatureFormat = "XML_DSIG"
)

// Valid reports whether f names a known container format.
func (f SignatureFormat) Valid() bool {
	switch f {
	case FormatPKCS7Detached, FormatPKCS7Embedded, FormatPDFEmbedded, FormatXMLDSig:
		return true
	}
	return false
}

// Padding is the RSA signature padding scheme.
type Padding string

const (
	PaddingPKCS1v15 Padding = "PKCS1_V1_5"
	PaddingPSS      Padding = "PSS"
)

// FilterOperator combines a filter's node set into the accumulated selection.
type FilterOperator string

const (
	FilterIntersect FilterOperator = "INTERSECT"
	FilterUnion     FilterOperator = "UNION"
	FilterSubtract  FilterOperator = "SUBTRACT"
)

// Valid reports whether op is one of the three combinators.
func (op FilterOperator) Valid() bool {
	return op == FilterIntersect || op == FilterUnion || op == FilterSubtract
}

// TransformFilter is a node-selection expression and the operator that
// combines its result with the selection built so far.
type TransformFilter struct {
	Expression string            `json:"expression" yaml:"expression"`
	Operator   FilterOperator    `json:"operator" yaml:"operator"`
	Namespaces map[string]string `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
}

// PDFAnnotation carries the visible signature metadata of a PDF signature.
type PDFAnnotation struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Reason      string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Location    string `json:"location,omitempty" yaml:"location,omitempty"`
	ContactInfo string `json:"contact_info,omitempty" yaml:"contact_info,omitempty"`
}

var hashNames = map[string]crypto.Hash{
	"MD5":    crypto.MD5,
	"SHA1":   crypto.SHA1,
	"SHA224": crypto.SHA224,
	"SHA256": crypto.SHA256,
	"SHA384": crypto.SHA384,
	"SHA512": crypto.SHA512,
}

// ParseHash resolves a hash algorithm name such as "SHA-256" or "sha256".
func ParseHash(name string) (crypto.Hash, error) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", ""))
	h, ok := hashNames[key]
	if !ok {
		return 0, errors.Errorf("unsupported hash algorithm %q", name)
	}
	return h, nil
}

// HashName is the inverse of ParseHash.
func HashName(h crypto.Hash) string {
	for name, v := range hashNames {
		if v == h {
			return name
		}
	}
	return h.String()
}
