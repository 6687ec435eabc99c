// Package pdfsig signs PDF documents with incremental-update signatures,
// verifies the embedded signatures and checks basic PDF/A conformance.
package pdfsig

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"time"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pdfsign/sign"
	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
)

var (
	// ErrNotPDF indicates the input is not a readable PDF file.
	ErrNotPDF = errors.New("pdfsig: not a readable PDF")

	// ErrNoSignature indicates the PDF carries no signature dictionary.
	ErrNoSignature = errors.New("pdfsig: no embedded signature")

	// ErrPSSUnsupported indicates PSS padding was requested for a PDF signature.
	ErrPSSUnsupported = errors.New("pdfsig: PSS padding is not supported for PDF signatures")
)

// SignOptions shapes a PDF signature.
type SignOptions struct {
	Hash        crypto.Hash
	PSS         bool
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Annotation  *record.PDFAnnotation
	TSAURL      string
	SigningTime time.Time
}

// IsPDF reports whether data starts with a PDF header.
func IsPDF(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("%PDF-"))
}

// Sign appends an approval signature to document as an incremental update.
// Signatures already present stay byte-for-byte intact.
func Sign(document []byte, key crypto.Signer, opts SignOptions) ([]byte, error) {
	if opts.PSS {
		return nil, ErrPSSUnsupported
	}
	if opts.Certificate == nil {
		return nil, errors.New("pdfsig: signer certificate is required")
	}
	if !IsPDF(document) {
		return nil, ErrNotPDF
	}

	rdr, err := pdf.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return nil, errors.Wrap(ErrNotPDF, err.Error())
	}

	info := sign.SignDataSignatureInfo{Date: opts.SigningTime}
	if info.Date.IsZero() {
		info.Date = time.Now().Local()
	}
	if a := opts.Annotation; a != nil {
		info.Name = a.Name
		info.Reason = a.Reason
		info.Location = a.Location
		info.ContactInfo = a.ContactInfo
	}
	if info.Name == "" {
		info.Name = opts.Certificate.Subject.CommonName
	}

	hash := opts.Hash
	if hash == 0 {
		hash = crypto.SHA256
	}

	var chains [][]*x509.Certificate
	if len(opts.Chain) > 0 {
		chains = [][]*x509.Certificate{append([]*x509.Certificate{opts.Certificate}, opts.Chain...)}
	}

	var out bytes.Buffer
	err = sign.Sign(bytes.NewReader(document), &out, rdr, int64(len(document)), sign.SignData{
		Signature: sign.SignDataSignature{
			Info:     info,
			CertType: sign.ApprovalSignature,
		},
		Signer:            key,
		DigestAlgorithm:   hash,
		Certificate:       opts.Certificate,
		CertificateChains: chains,
		TSA:               sign.TSA{URL: opts.TSAURL},
	})
	if err != nil {
		return nil, errors.Wrap(err, "sign PDF")
	}
	return out.Bytes(), nil
}
