package signing

import (
	"context"

	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
)

// Resign replaces r.Signature with a new signature by the session
// credential. For CMS formats data is the verified content and the new
// container has a single signer. For PDF and XML data is the signed
// document, which receives one more signature.
func (e *Engine) Resign(ctx context.Context, r *record.Record, format record.SignatureFormat, data []byte) error {
	cred, err := e.credential(ctx, Request{})
	if err != nil {
		return err
	}

	tmp := &record.Record{
		ID:                       r.ID,
		SignatureFormat:          format,
		IncludeSignerCertificate: true,
		XMLNodePath:              r.XMLNodePath,
		XMLNamespace:             r.XMLNamespace,
		TransformFilters:         r.TransformFilters,
		PDFAnnotation:            r.PDFAnnotation,
	}
	switch format {
	case record.FormatPKCS7Detached, record.FormatPKCS7Embedded:
		tmp.Document = data
	case record.FormatPDFEmbedded, record.FormatXMLDSig:
		tmp.OldSignature = data
	default:
		return errors.Wrapf(errUnsupported, "signature format %q", format)
	}

	sig, err := e.build(ctx, tmp, cred, Request{})
	if err != nil {
		return errors.Wrap(err, "re-sign")
	}
	r.Signature = sig
	return nil
}
