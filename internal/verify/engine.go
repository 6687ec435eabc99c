// Package verify checks signatures, certificates and timestamps carried by
// records and assigns each record exactly one verification outcome.
package verify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sigstore/sigstore/pkg/cryptoutils"

	"github.com/open-verix/secsign/internal/certval"
	"github.com/open-verix/secsign/internal/cms"
	"github.com/open-verix/secsign/internal/envelope"
	"github.com/open-verix/secsign/internal/pdfsig"
	"github.com/open-verix/secsign/internal/policy"
	"github.com/open-verix/secsign/internal/prompt"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/tsp"
	"github.com/open-verix/secsign/internal/xmldsig"
)

// ErrNoDecryptionCredential indicates an enveloped container arrived and no
// decryption key is available.
var ErrNoDecryptionCredential = errors.New("verify: no decryption credential for enveloped data")

// Options apply to one Verify call.
type Options struct {
	// ExternalSignerCerts resolve signers whose certificate is not embedded.
	ExternalSignerCerts []*x509.Certificate
	AllowResign         bool
	OCSPMandatory       bool
	// AllowPrompt lets the engine ask for a missing document or signature.
	AllowPrompt bool
}

// Resigner replaces the signature of a verified record.
type Resigner interface {
	Resign(ctx context.Context, r *record.Record, format record.SignatureFormat, data []byte) error
}

// DecryptionSource yields the key that opens enveloped payloads.
type DecryptionSource interface {
	DecryptionCredential(ctx context.Context) (*x509.Certificate, crypto.Decrypter, error)
}

// Config configures an Engine. Only Certificates is required.
type Config struct {
	Certificates *certval.Validator
	Timestamps   *tsp.Validator
	Algorithms   *policy.AlgorithmPolicy
	// Policy adds acceptance-rule violations to successful records as caveats.
	Policy     *policy.Engine
	Resigner   Resigner
	Decryption DecryptionSource
	Prompter   prompt.CredentialPrompter
}

// Engine verifies records.
type Engine struct {
	certs      *certval.Validator
	timestamps *tsp.Validator
	algorithms *policy.AlgorithmPolicy
	policy     *policy.Engine
	resigner   Resigner
	decryption DecryptionSource
	prompter   prompt.CredentialPrompter
	now        func() time.Time
}

// New returns an engine.
func New(cfg Config) *Engine {
	algorithms := cfg.Algorithms
	if algorithms == nil {
		algorithms = policy.DefaultAlgorithmPolicy()
	}
	certs := cfg.Certificates
	if certs == nil {
		certs = certval.New(certval.Config{})
	}
	timestamps := cfg.Timestamps
	if timestamps == nil {
		timestamps = tsp.NewValidator(certs.Roots(), algorithms)
	}
	return &Engine{
		certs:      certs,
		timestamps: timestamps,
		algorithms: algorithms,
		policy:     cfg.Policy,
		resigner:   cfg.Resigner,
		decryption: cfg.Decryption,
		prompter:   cfg.Prompter,
		now:        time.Now,
	}
}

// Verify assigns an outcome to every record, in order. The returned slice is
// aligned with records. The error is non-nil only when ctx ended before every
// record was processed; the remaining records are marked ERROR.
func (e *Engine) Verify(ctx context.Context, records []*record.Record, opts Options) ([]record.VerifyOutcome, error) {
	outcomes := make([]record.VerifyOutcome, len(records))
	for i, r := range records {
		r.EnsureID()
		if err := ctx.Err(); err != nil {
			for j := i; j < len(records); j++ {
				records[j].EnsureID()
				records[j].ResetOutputs()
				records[j].VerifyOutcome = record.VerifyError
				records[j].Err = err
				outcomes[j] = record.VerifyError
			}
			return outcomes, err
		}

		r.ResetOutputs()
		e.verifyRecord(ctx, r, opts)
		outcomes[i] = r.VerifyOutcome

		log.Debug().
			Str("record_id", r.ID).
			Str("format", string(r.SignatureFormat)).
			Str("outcome", r.VerifyOutcome.String()).
			Err(r.Err).
			Msg("record verified")
	}
	return outcomes, nil
}

func (e *Engine) verifyRecord(ctx context.Context, r *record.Record, opts Options) {
	defer func() {
		// Third-party parsers may panic on hostile input.
		if p := recover(); p != nil {
			e.fail(r, record.DecodeFailed, errors.Errorf("malformed input: %v", p))
		}
	}()

	container := r.Signature
	if len(container) == 0 && selfSigned(r.Document) {
		container = r.Document
	}

	switch {
	case len(container) > 0:
		e.verifyContainer(ctx, r, container, opts, true)
	case len(r.Timestamp) > 0:
		e.verifyTimestamp(ctx, r, opts)
	case len(r.Certificate) > 0:
		e.verifyCertificate(ctx, r, opts)
	default:
		data, err := e.ask(ctx, opts, prompt.PurposeSignature)
		if err != nil {
			e.fail(r, record.NoData, err)
			return
		}
		r.Signature = data
		e.verifyContainer(ctx, r, data, opts, true)
	}

	if r.VerifyOutcome.Successful() {
		e.applyPolicy(ctx, r)
	}
}

// selfSigned reports whether doc carries its own signatures.
func selfSigned(doc []byte) bool {
	if pdfsig.IsPDF(doc) {
		_, err := pdfsig.Extract(doc)
		return err == nil
	}
	if xmldsig.IsXML(doc) {
		d, err := xmldsig.Parse(doc)
		return err == nil && len(d.Signatures) > 0
	}
	return false
}

func (e *Engine) ask(ctx context.Context, opts Options, purpose prompt.Purpose) ([]byte, error) {
	if !opts.AllowPrompt || e.prompter == nil {
		return nil, errors.New("no data supplied")
	}
	data, err := e.prompter.SelectFile(ctx, purpose)
	if err != nil {
		return nil, errors.Wrapf(err, "select %s", purpose)
	}
	if len(data) == 0 {
		return nil, errors.New("selected file is empty")
	}
	return data, nil
}

func (e *Engine) fail(r *record.Record, outcome record.VerifyOutcome, err error) {
	r.VerifyOutcome = outcome
	r.Err = err
}

func (e *Engine) verifyContainer(ctx context.Context, r *record.Record, container []byte, opts Options, mayDecrypt bool) {
	switch {
	case pdfsig.IsPDF(container):
		r.SignatureFormat = record.FormatPDFEmbedded
		e.verifyPDF(ctx, r, container, opts)
	case cms.IsEnvelopedData(container):
		if !mayDecrypt {
			e.fail(r, record.DecodeFailed, errors.New("nested enveloped data"))
			return
		}
		e.verifyEnveloped(ctx, r, container, opts)
	case cms.IsSignedData(container):
		e.verifyCMS(ctx, r, container, opts)
	case xmldsig.IsXML(container):
		r.SignatureFormat = record.FormatXMLDSig
		e.verifyXML(ctx, r, container, opts)
	default:
		e.fail(r, record.DecodeFailed, errors.New("unrecognized signature container"))
	}
}

func (e *Engine) verifyEnveloped(ctx context.Context, r *record.Record, container []byte, opts Options) {
	if e.decryption == nil {
		e.fail(r, record.DecodeFailed, ErrNoDecryptionCredential)
		return
	}
	cert, key, err := e.decryption.DecryptionCredential(ctx)
	if err != nil {
		e.fail(r, record.VerifyError, errors.Wrap(err, "decryption credential"))
		return
	}
	plain, wasSigned, err := envelope.Decrypt(container, cert, key)
	if err != nil {
		e.fail(r, record.DecodeFailed, err)
		return
	}
	if !wasSigned {
		r.Document = plain
		r.VerifyOutcome = record.DecodedUnsignedData
		return
	}
	r.AddCaveat("signature was delivered encrypted")
	e.verifyContainer(ctx, r, plain, opts, false)
}

func (e *Engine) verifyCMS(ctx context.Context, r *record.Record, container []byte, opts Options) {
	sd, err := cms.Parse(container)
	if err != nil {
		e.fail(r, record.DecodeFailed, err)
		return
	}

	content := sd.Content
	if sd.Detached() {
		r.SignatureFormat = record.FormatPKCS7Detached
		if len(r.Document) == 0 {
			data, err := e.ask(ctx, opts, prompt.PurposeDocument)
			if err != nil {
				e.fail(r, record.NoData, errors.Wrap(err, "detached signature needs the signed document"))
				return
			}
			r.Document = data
		}
		content = r.Document
	} else {
		r.SignatureFormat = record.FormatPKCS7Embedded
		if len(r.Document) > 0 && !bytes.Equal(r.Document, sd.Content) {
			e.fail(r, record.DataMismatch, errors.New("supplied document differs from the embedded content"))
			return
		}
		r.Document = sd.Content
	}

	outcomes := make([]record.VerifyOutcome, 0, len(sd.Signers))
	for _, si := range sd.Signers {
		cert := sd.FindCertificate(si, opts.ExternalSignerCerts)
		report := record.SignerReport{
			HashAlgorithm: record.HashName(si.Hash),
			Padding:       record.PaddingPKCS1v15,
			SigningTime:   si.SigningTime,
		}
		if si.PSS {
			report.Padding = record.PaddingPSS
		}
		if cert == nil {
			report.Outcome = record.SignatureInvalid
			report.Caveats = append(report.Caveats, cms.ErrSignerNotFound.Error())
			r.Err = cms.ErrSignerNotFound
		} else if err := sd.Verify(si, content, cert); err != nil {
			describe(&report, cert)
			report.Outcome = cmsFailure(err)
			r.Err = err
		} else {
			describe(&report, cert)
			e.evaluateSigner(ctx, r, &report, signerInput{
				cert:          cert,
				intermediates: sd.Certificates,
				hash:          si.Hash,
				token:         si.TimestampToken,
				tokenData:     si.Signature,
				archiveData:   container,
			}, opts)
		}
		outcomes = append(outcomes, report.Outcome)
		r.Signers = append(r.Signers, report)
	}
	e.conclude(ctx, r, outcomes, content, opts)
}

func cmsFailure(err error) record.VerifyOutcome {
	if errors.Is(err, cms.ErrDigestMismatch) {
		return record.DataMismatch
	}
	return record.SignatureInvalid
}

func (e *Engine) verifyPDF(ctx context.Context, r *record.Record, document []byte, opts Options) {
	sigs, err := pdfsig.Extract(document)
	if err != nil {
		e.fail(r, record.DecodeFailed, err)
		return
	}
	// A supplied document must be the signed file or one of its earlier
	// revisions; incremental updates only ever append.
	if len(r.Document) > 0 && !bytes.HasPrefix(document, r.Document) {
		e.fail(r, record.DataMismatch, errors.New("supplied document differs from the signed PDF"))
		return
	}
	if len(r.Document) == 0 {
		r.Document = document
	}

	var outcomes []record.VerifyOutcome
	for i, s := range sigs {
		sd, err := cms.Parse(s.Container)
		if err != nil {
			e.fail(r, record.DecodeFailed, errors.Wrapf(err, "signature %d", i+1))
			return
		}
		for _, si := range sd.Signers {
			cert := sd.FindCertificate(si, opts.ExternalSignerCerts)
			report := record.SignerReport{
				HashAlgorithm: record.HashName(si.Hash),
				Padding:       record.PaddingPKCS1v15,
				SigningTime:   si.SigningTime,
			}
			switch {
			case cert == nil:
				report.Outcome = record.SignatureInvalid
				r.Err = cms.ErrSignerNotFound
			default:
				describe(&report, cert)
				if err := sd.Verify(si, s.Content, cert); err != nil {
					report.Outcome = cmsFailure(err)
					r.Err = err
					break
				}
				e.evaluateSigner(ctx, r, &report, signerInput{
					cert:          cert,
					intermediates: sd.Certificates,
					hash:          si.Hash,
					token:         si.TimestampToken,
					tokenData:     si.Signature,
					archiveData:   document,
				}, opts)
			}
			if i == len(sigs)-1 && !s.WholeFile {
				report.Caveats = append(report.Caveats, "document was extended after the last signature")
			}
			outcomes = append(outcomes, report.Outcome)
			r.Signers = append(r.Signers, report)
		}
	}
	e.conclude(ctx, r, outcomes, document, opts)
}

func (e *Engine) verifyXML(ctx context.Context, r *record.Record, document []byte, opts Options) {
	doc, err := xmldsig.Parse(document)
	if err != nil {
		e.fail(r, record.DecodeFailed, err)
		return
	}
	if len(doc.Signatures) == 0 {
		e.fail(r, record.DecodeFailed, xmldsig.ErrNoSignature)
		return
	}
	switch {
	case len(r.Document) == 0 || bytes.Equal(r.Document, document):
		content, err := doc.Content()
		if err != nil {
			e.fail(r, record.DecodeFailed, err)
			return
		}
		r.Document = content
	default:
		same, err := doc.SameContent(r.Document)
		if err != nil {
			e.fail(r, record.DataMismatch, errors.Wrap(err, "supplied document"))
			return
		}
		if !same {
			e.fail(r, record.DataMismatch, errors.New("supplied document differs from the signed XML content"))
			return
		}
	}

	var outcomes []record.VerifyOutcome
	for _, s := range doc.Signatures {
		report := record.SignerReport{HashAlgorithm: record.HashName(s.Hash), Padding: record.PaddingPKCS1v15}
		if s.PSS {
			report.Padding = record.PaddingPSS
		}
		cert := s.FindCertificate(opts.ExternalSignerCerts)
		switch {
		case cert == nil:
			report.Outcome = record.SignatureInvalid
			r.Err = xmldsig.ErrSignerNotFound
		default:
			describe(&report, cert)
			if err := doc.Verify(s, cert); err != nil {
				report.Outcome = record.SignatureInvalid
				if errors.Is(err, xmldsig.ErrDigestMismatch) {
					report.Outcome = record.DataMismatch
				}
				r.Err = err
				break
			}
			e.evaluateSigner(ctx, r, &report, signerInput{
				cert:          cert,
				intermediates: s.Certificates,
				hash:          s.Hash,
				archiveData:   document,
			}, opts)
		}
		outcomes = append(outcomes, report.Outcome)
		r.Signers = append(r.Signers, report)
	}
	e.conclude(ctx, r, outcomes, document, opts)
}

type signerInput struct {
	cert          *x509.Certificate
	intermediates []*x509.Certificate
	hash          crypto.Hash
	// token is the signature timestamp over tokenData.
	token     []byte
	tokenData []byte
	// archiveData is what the record's archival timestamps cover.
	archiveData []byte
}

func describe(report *record.SignerReport, cert *x509.Certificate) {
	report.Subject = cert.Subject.String()
	report.Issuer = cert.Issuer.String()
	report.Serial = cert.SerialNumber.String()
	report.Certificate = cert
}

// evaluateSigner runs the certificate and algorithm checks for a signer
// whose signature value is already known to be correct.
func (e *Engine) evaluateSigner(ctx context.Context, r *record.Record, report *record.SignerReport, in signerInput, opts Options) {
	var trusted *time.Time
	if len(in.token) > 0 {
		if at, err := e.timestamps.GenTime(in.token, in.tokenData); err == nil {
			trusted = &at
			report.TimestampTime = &at
		} else {
			report.Caveats = append(report.Caveats, "signature timestamp rejected: "+err.Error())
		}
	}

	valOpts := certval.Options{
		SigningTime:   trusted,
		Intermediates: in.intermediates,
		OCSPResponse:  r.OCSPResponse,
	}
	if opts.OCSPMandatory {
		valOpts.Mode = certval.OCSPMandatory
	}
	cr, err := e.certs.Validate(ctx, in.cert, valOpts)
	if err != nil {
		report.Outcome = record.VerifyError
		r.Err = err
		return
	}
	if len(cr.OCSPResponse) > 0 && len(r.OCSPResponseOut) == 0 {
		r.OCSPResponseOut = cr.OCSPResponse
	}
	report.Caveats = append(report.Caveats, cr.Caveats...)

	switch cr.Outcome {
	case certval.Revoked:
		report.Outcome = record.SignatureValidCertRevoked
		r.Err = errors.New(cr.Reason)
		return
	case certval.Invalid:
		report.Outcome = record.SignatureValidCertInvalid
		r.Err = errors.New(cr.Reason)
		return
	}

	if exp, expired := e.algorithms.ExpiredAt(in.hash, in.cert.PublicKey, e.now()); expired {
		if at, ok := e.anchor(exp.At, r, in); ok {
			report.Caveats = append(report.Caveats, fmt.Sprintf("%s; anchored by timestamp at %s", exp.Reason, at.UTC().Format(time.RFC3339)))
		} else {
			report.Outcome = record.AlgorithmExpired
			r.Err = errors.New(exp.Reason)
			return
		}
	}
	report.Outcome = record.SignatureValid
}

func (e *Engine) anchor(expiry time.Time, r *record.Record, in signerInput) (time.Time, bool) {
	if at, ok := e.timestamps.Anchor(expiry, in.archiveData, r.ArchiveTimestamps...); ok {
		return at, true
	}
	if len(in.token) > 0 {
		return e.timestamps.Anchor(expiry, in.tokenData, in.token)
	}
	return time.Time{}, false
}

// conclude folds the signer outcomes into the record outcome and re-signs
// when asked to.
func (e *Engine) conclude(ctx context.Context, r *record.Record, outcomes []record.VerifyOutcome, data []byte, opts Options) {
	if len(outcomes) == 0 {
		e.fail(r, record.DecodeFailed, errors.New("container has no signers"))
		return
	}
	r.VerifyOutcome = record.Worst(outcomes...)
	for _, s := range r.Signers {
		for _, c := range s.Caveats {
			r.AddCaveat(c)
		}
	}
	if r.VerifyOutcome == record.SignatureValid {
		r.Err = nil
	}

	if r.VerifyOutcome != record.SignatureValid || !opts.AllowResign || !r.Resign {
		return
	}
	if e.resigner == nil {
		r.AddCaveat("re-sign requested but no signing credential is available")
		return
	}
	if err := e.resigner.Resign(ctx, r, r.SignatureFormat, data); err != nil {
		r.AddCaveat("re-sign failed: " + err.Error())
		return
	}
	r.VerifyOutcome = record.SignatureValidResigned
}

func (e *Engine) verifyTimestamp(ctx context.Context, r *record.Record, opts Options) {
	if len(r.Document) == 0 {
		data, err := e.ask(ctx, opts, prompt.PurposeDocument)
		if err != nil {
			e.fail(r, record.NoData, errors.Wrap(err, "timestamp needs the stamped data"))
			return
		}
		r.Document = data
	}

	report := e.timestamps.Verify(r.Timestamp, r.Document)
	sr := record.SignerReport{Outcome: report.Outcome()}
	if report.TSA != nil {
		describe(&sr, report.TSA)
	}
	if report.Token != nil {
		sr.HashAlgorithm = record.HashName(report.Token.HashAlgorithm)
		at := report.Time
		sr.TimestampTime = &at
	}

	if report.Status == tsp.StatusAlgorithmExpired {
		if exp, ok := e.algorithms.ExpiredAt(report.Token.HashAlgorithm, report.TSA.PublicKey, e.now()); ok {
			if at, anchored := e.timestamps.Anchor(exp.At, r.Timestamp, r.ArchiveTimestamps...); anchored {
				sr.Outcome = record.TimestampValid
				sr.Caveats = append(sr.Caveats, fmt.Sprintf("%s; anchored by timestamp at %s", exp.Reason, at.UTC().Format(time.RFC3339)))
			}
		}
	}
	if sr.Outcome != record.TimestampValid && report.Reason != "" {
		r.Err = errors.New(report.Reason)
	}
	r.Signers = []record.SignerReport{sr}
	for _, c := range sr.Caveats {
		r.AddCaveat(c)
	}
	r.VerifyOutcome = sr.Outcome
}

func (e *Engine) verifyCertificate(ctx context.Context, r *record.Record, opts Options) {
	cert, err := ParseCertificate(r.Certificate)
	if err != nil {
		e.fail(r, record.DecodeFailed, err)
		return
	}

	valOpts := certval.Options{OCSPResponse: r.OCSPResponse}
	if opts.OCSPMandatory {
		valOpts.Mode = certval.OCSPMandatory
	}
	cr, err := e.certs.Validate(ctx, cert, valOpts)
	if err != nil {
		e.fail(r, record.VerifyError, err)
		return
	}
	r.OCSPResponseOut = cr.OCSPResponse

	sr := record.SignerReport{Caveats: cr.Caveats}
	describe(&sr, cert)
	switch cr.Outcome {
	case certval.Valid, certval.Unknown:
		sr.Outcome = record.CertValid
	default:
		sr.Outcome = record.CertInvalid
		r.Err = errors.New(cr.Reason)
	}
	r.Signers = []record.SignerReport{sr}
	for _, c := range cr.Caveats {
		r.AddCaveat(c)
	}
	r.VerifyOutcome = sr.Outcome
}

// ParseCertificate accepts a DER or PEM certificate.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	if cert, err := x509.ParseCertificate(data); err == nil {
		return cert, nil
	}
	certs, err := cryptoutils.UnmarshalCertificatesFromPEM(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}
	if len(certs) == 0 {
		return nil, errors.New("parse certificate: no certificate found")
	}
	return certs[0], nil
}

func (e *Engine) applyPolicy(ctx context.Context, r *record.Record) {
	if e.policy == nil {
		return
	}
	result, err := e.policy.Evaluate(ctx, r)
	if err != nil {
		r.AddCaveat("acceptance policy not evaluated: " + err.Error())
		return
	}
	for _, v := range result.Violations {
		r.AddCaveat(fmt.Sprintf("policy %s: %s", v.Rule, v.Message))
	}
}
