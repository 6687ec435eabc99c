// Package signing turns signing requests into signature containers. Each
// record is signed independently; per-record problems are reported through
// record.SignOutcome and only a missing credential fails the whole call.
package signing

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/open-verix/secsign/internal/cms"
	"github.com/open-verix/secsign/internal/envelope"
	"github.com/open-verix/secsign/internal/pdfsig"
	"github.com/open-verix/secsign/internal/policy"
	"github.com/open-verix/secsign/internal/prompt"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/xmldsig"
)

// ErrNoCredential indicates neither the request nor the credential source
// supplied a signing key.
var ErrNoCredential = errors.New("signing: no signing credential available")

// InvalidRequestError is returned when the request itself is unusable.
type InvalidRequestError struct {
	Field   string
	Message string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid signing request: %s: %s", e.Field, e.Message)
}

// Credential is a key with its certificate.
type Credential struct {
	Key   crypto.Signer
	Cert  *x509.Certificate
	Chain []*x509.Certificate
	// Hashes lists digests the key may be used with; empty means any.
	Hashes []crypto.Hash
}

// CredentialSource supplies the session credential when the request
// carries none. It may prompt.
type CredentialSource interface {
	SigningCredential(ctx context.Context) (*Credential, error)
}

// Stamper obtains RFC 3161 tokens.
type Stamper interface {
	Stamp(ctx context.Context, data []byte) ([]byte, error)
}

// Request carries what applies to every record of one call.
type Request struct {
	Recipients     []*x509.Certificate
	Key            crypto.Signer
	Cert           *x509.Certificate
	AttributeCerts []*x509.Certificate
}

// Config configures an Engine.
type Config struct {
	Algorithms    *policy.AlgorithmPolicy
	Credentials   CredentialSource
	DefaultFormat record.SignatureFormat

	// Stamper adds signature timestamps to CMS signers; TSAURL is handed
	// to the PDF signer, which fetches its own token.
	Stamper Stamper
	TSAURL  string

	// MaxRecords caps the records per call; zero means unlimited.
	MaxRecords int
}

// Engine signs records.
type Engine struct {
	algorithms    *policy.AlgorithmPolicy
	credentials   CredentialSource
	defaultFormat record.SignatureFormat
	stamper       Stamper
	tsaURL        string
	maxRecords    int
	now           func() time.Time
}

// New returns an engine.
func New(cfg Config) *Engine {
	algorithms := cfg.Algorithms
	if algorithms == nil {
		algorithms = policy.DefaultAlgorithmPolicy()
	}
	format := cfg.DefaultFormat
	if format == "" {
		format = record.FormatPKCS7Detached
	}
	return &Engine{
		algorithms:    algorithms,
		credentials:   cfg.Credentials,
		defaultFormat: format,
		stamper:       cfg.Stamper,
		tsaURL:        cfg.TSAURL,
		maxRecords:    cfg.MaxRecords,
		now:           time.Now,
	}
}

// MaxRecords returns the per-call record limit, zero for none.
func (e *Engine) MaxRecords() int {
	return e.maxRecords
}

// Sign signs every record in order. The returned error is non-nil only
// when no record could be attempted.
func (e *Engine) Sign(ctx context.Context, records []*record.Record, req Request) error {
	if (req.Key == nil) != (req.Cert == nil) {
		return &InvalidRequestError{Field: "key", Message: "key and certificate must be supplied together"}
	}
	if e.maxRecords > 0 && len(records) > e.maxRecords {
		return &InvalidRequestError{Field: "records", Message: fmt.Sprintf("%d records exceed the limit of %d", len(records), e.maxRecords)}
	}
	for _, r := range records {
		r.EnsureID()
		r.SignOutcome = record.SignPending
		r.SignatureCiphered = nil
		r.Err = nil
	}

	cred, err := e.credential(ctx, req)
	if err != nil {
		if errors.Is(err, prompt.ErrCanceled) {
			for _, r := range records {
				r.SignOutcome = record.Canceled
				r.Err = err
			}
			return nil
		}
		for _, r := range records {
			r.SignOutcome = record.NoCredential
			r.Err = err
		}
		return err
	}

	var recipientErr error
	for _, rc := range req.Recipients {
		if err := envelope.CheckRecipient(rc); err != nil {
			recipientErr = err
			break
		}
	}

	for i, r := range records {
		if err := ctx.Err(); err != nil {
			for _, rest := range records[i:] {
				rest.SignOutcome = record.SignError
				rest.Err = err
			}
			return err
		}
		if recipientErr != nil {
			r.SignOutcome = record.EncryptionTargetInvalid
			r.Err = recipientErr
		} else {
			e.signRecord(ctx, r, cred, req)
		}
		log.Debug().
			Str("record_id", r.ID).
			Str("format", string(e.format(r))).
			Str("outcome", r.SignOutcome.String()).
			Err(r.Err).
			Msg("record signed")
	}
	return nil
}

func (e *Engine) credential(ctx context.Context, req Request) (*Credential, error) {
	if req.Key != nil {
		return &Credential{Key: req.Key, Cert: req.Cert}, nil
	}
	if e.credentials == nil {
		return nil, ErrNoCredential
	}
	cred, err := e.credentials.SigningCredential(ctx)
	if err != nil {
		if errors.Is(err, prompt.ErrCanceled) {
			return nil, err
		}
		return nil, errors.Wrap(ErrNoCredential, err.Error())
	}
	if cred == nil || cred.Key == nil || cred.Cert == nil {
		return nil, ErrNoCredential
	}
	return cred, nil
}

func (e *Engine) format(r *record.Record) record.SignatureFormat {
	if r.SignatureFormat != "" {
		return r.SignatureFormat
	}
	return e.defaultFormat
}

// signRecord sets exactly one SignOutcome on r.
func (e *Engine) signRecord(ctx context.Context, r *record.Record, cred *Credential, req Request) {
	sig, err := e.build(ctx, r, cred, req)
	if err != nil {
		r.SignOutcome = classify(err)
		r.Err = err
		return
	}
	r.Signature = sig

	if len(req.Recipients) > 0 {
		ciphered, err := envelope.Encrypt(sig, req.Recipients)
		if err != nil {
			r.SignOutcome = record.EncryptionTargetInvalid
			r.Err = err
			return
		}
		r.SignatureCiphered = ciphered
	}
	r.SignOutcome = record.Signed
}

// parameters resolved for one record.
type params struct {
	format record.SignatureFormat
	hash   crypto.Hash
	pss    bool
}

func (e *Engine) resolve(r *record.Record, cred *Credential) (params, error) {
	p := params{format: e.format(r)}
	if !p.format.Valid() {
		return p, errors.Wrapf(errUnsupported, "signature format %q", p.format)
	}

	switch r.Padding {
	case "", record.PaddingPKCS1v15:
	case record.PaddingPSS:
		if _, ok := cred.Cert.PublicKey.(*rsa.PublicKey); !ok {
			return p, errors.Wrap(errUnsupported, "PSS padding requires an RSA key")
		}
		if p.format == record.FormatPDFEmbedded {
			return p, errors.Wrap(errUnsupported, "PSS padding is not available for PDF signatures")
		}
		p.pss = true
	default:
		return p, errors.Wrapf(errUnsupported, "padding %q", r.Padding)
	}

	if r.HashAlgorithm != "" {
		h, err := record.ParseHash(r.HashAlgorithm)
		if err != nil {
			return p, errors.Wrap(errUnsupported, err.Error())
		}
		if !supports(cred.Hashes, h) {
			return p, errors.Wrapf(errUnsupported, "credential does not support %s", record.HashName(h))
		}
		p.hash = h
		return p, nil
	}
	h, err := e.algorithms.SelectHash(cred.Cert.PublicKey, cred.Hashes, e.now())
	if err != nil {
		return p, errors.Wrap(errUnsupported, err.Error())
	}
	p.hash = h
	return p, nil
}

func supports(hashes []crypto.Hash, h crypto.Hash) bool {
	if len(hashes) == 0 {
		return true
	}
	for _, s := range hashes {
		if s == h {
			return true
		}
	}
	return false
}

func (e *Engine) build(ctx context.Context, r *record.Record, cred *Credential, req Request) ([]byte, error) {
	p, err := e.resolve(r, cred)
	if err != nil {
		return nil, err
	}

	switch p.format {
	case record.FormatPKCS7Detached, record.FormatPKCS7Embedded:
		return e.buildCMS(ctx, r, cred, req, p)
	case record.FormatPDFEmbedded:
		return e.buildPDF(r, cred, p)
	default:
		return e.buildXML(r, cred, req, p)
	}
}

func (e *Engine) buildCMS(ctx context.Context, r *record.Record, cred *Credential, req Request, p params) ([]byte, error) {
	opts := cms.SignerOptions{
		Hash:               p.hash,
		PSS:                p.pss,
		Certificate:        cred.Cert,
		IncludeCertificate: r.IncludeSignerCertificate,
		SigningTime:        e.now(),
	}
	if r.IncludeSignerCertificate {
		opts.ExtraCertificates = append(opts.ExtraCertificates, cred.Chain...)
	}
	opts.ExtraCertificates = append(opts.ExtraCertificates, req.AttributeCerts...)
	if e.stamper != nil {
		opts.Timestamper = func(signature []byte) ([]byte, error) {
			return e.stamper.Stamp(ctx, signature)
		}
	}

	if len(r.OldSignature) > 0 {
		if _, err := cms.Parse(r.OldSignature); err != nil {
			return nil, errors.Wrap(errMalformedOld, err.Error())
		}
		return cms.AddSigner(r.OldSignature, r.Document, cred.Key, opts)
	}
	if r.Document == nil {
		return nil, errors.New("no document to sign")
	}
	return cms.Sign(r.Document, p.format == record.FormatPKCS7Detached, cred.Key, opts)
}

func (e *Engine) buildPDF(r *record.Record, cred *Credential, p params) ([]byte, error) {
	doc := r.Document
	if len(r.OldSignature) > 0 {
		if _, err := pdfsig.Extract(r.OldSignature); err != nil {
			return nil, errors.Wrap(errMalformedOld, err.Error())
		}
		doc = r.OldSignature
	}
	return pdfsig.Sign(doc, cred.Key, pdfsig.SignOptions{
		Hash:        p.hash,
		Certificate: cred.Cert,
		Chain:       cred.Chain,
		Annotation:  r.PDFAnnotation,
		TSAURL:      e.tsaURL,
		SigningTime: e.now(),
	})
}

func (e *Engine) buildXML(r *record.Record, cred *Credential, req Request, p params) ([]byte, error) {
	doc := r.Document
	if len(r.OldSignature) > 0 {
		if _, err := xmldsig.Parse(r.OldSignature); err != nil {
			return nil, errors.Wrap(errMalformedOld, err.Error())
		}
		doc = r.OldSignature
	}
	var extra []*x509.Certificate
	if r.IncludeSignerCertificate {
		extra = append(extra, cred.Chain...)
	}
	extra = append(extra, req.AttributeCerts...)
	return xmldsig.Sign(doc, cred.Key, xmldsig.SignOptions{
		Hash:               p.hash,
		PSS:                p.pss,
		Certificate:        cred.Cert,
		IncludeCertificate: r.IncludeSignerCertificate,
		ExtraCertificates:  extra,
		NodePath:           r.XMLNodePath,
		Namespace:          r.XMLNamespace,
		Filters:            r.TransformFilters,
	})
}

var (
	errUnsupported  = errors.New("unsupported signature parameters")
	errMalformedOld = errors.New("existing signature cannot be parsed")
)

func classify(err error) record.SignOutcome {
	switch {
	case errors.Is(err, prompt.ErrCanceled):
		return record.Canceled
	case errors.Is(err, errMalformedOld):
		return record.MalformedOldSignature
	case errors.Is(err, errUnsupported),
		errors.Is(err, cms.ErrUnsupportedAlgorithm),
		errors.Is(err, xmldsig.ErrUnsupportedAlgorithm),
		errors.Is(err, xmldsig.ErrMalformed),
		errors.Is(err, pdfsig.ErrPSSUnsupported),
		errors.Is(err, pdfsig.ErrNotPDF):
		return record.UnsupportedFormat
	case errors.Is(err, envelope.ErrInvalidRecipient):
		return record.EncryptionTargetInvalid
	}
	return record.SignError
}
