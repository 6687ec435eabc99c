// Package session coordinates batches of records against one device
// credential. Every operation holds the session lock for its whole
// duration, so at most one call is in flight per session.
package session

import (
	"context"
	"crypto"
	"crypto/x509"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/open-verix/secsign/internal/certval"
	"github.com/open-verix/secsign/internal/cms"
	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/envelope"
	"github.com/open-verix/secsign/internal/history"
	"github.com/open-verix/secsign/internal/pdfsig"
	"github.com/open-verix/secsign/internal/policy"
	"github.com/open-verix/secsign/internal/prompt"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/signing"
	"github.com/open-verix/secsign/internal/tsp"
	"github.com/open-verix/secsign/internal/verify"
)

// ErrNotInitialized is returned by every operation before a successful
// Initialize, or after Close.
var ErrNotInitialized = errors.New("session: not initialized")

// Journal persists per-record outcomes.
type Journal interface {
	Append(ctx context.Context, entries []history.Entry) error
}

// Config wires a session.
type Config struct {
	Driver   device.Driver
	Device   device.Options
	Prompter prompt.CredentialPrompter

	Algorithms   *policy.AlgorithmPolicy
	Policy       *policy.Engine
	Certificates *certval.Validator
	Timestamps   *tsp.Validator

	// Stamper and TSAURL add signature timestamps when set.
	Stamper       signing.Stamper
	TSAURL        string
	DefaultFormat record.SignatureFormat
	MaxRecords    int

	// Journal, when set, receives every record outcome.
	Journal Journal
}

// Result is the outcome of one record in a batch.
type Result struct {
	RecordID   string `json:"record_id"`
	Name       string `json:"name,omitempty"`
	Outcome    string `json:"outcome"`
	Successful bool   `json:"successful"`
	Err        error  `json:"-"`
}

// Session owns one device credential.
type Session struct {
	mu      sync.Mutex
	cfg     Config
	cred    device.Credential
	init    device.InitResult
	signer  *signing.Engine
	checker *verify.Engine
}

// New returns an uninitialized session.
func New(cfg Config) *Session {
	if cfg.Prompter == nil {
		cfg.Prompter = &prompt.Static{}
	}
	return &Session{cfg: cfg}
}

// Initialize opens the configured device. A failed initialization leaves the
// session uninitialized; an earlier credential is closed first.
func (s *Session) Initialize(ctx context.Context) (device.InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.closeLocked(); err != nil {
		log.Warn().Err(err).Msg("previous credential did not close cleanly")
	}
	if s.cfg.Driver == nil {
		return device.InitResult{}, errors.Wrap(ErrNotInitialized, "no device driver configured")
	}

	cred, err := s.cfg.Driver.Open(ctx, s.cfg.Device, s.cfg.Prompter)
	if err != nil {
		log.Error().Err(err).Str("driver", s.cfg.Driver.Name()).Msg("device initialization failed")
		return device.InitResult{}, errors.Wrapf(err, "open %s device", s.cfg.Driver.Name())
	}

	s.cred = cred
	s.init = cred.InitResult()
	src := credentials{s: s}
	s.signer = signing.New(signing.Config{
		Algorithms:    s.cfg.Algorithms,
		Credentials:   src,
		DefaultFormat: s.cfg.DefaultFormat,
		Stamper:       s.cfg.Stamper,
		TSAURL:        s.cfg.TSAURL,
		MaxRecords:    s.cfg.MaxRecords,
	})
	s.checker = verify.New(verify.Config{
		Certificates: s.cfg.Certificates,
		Timestamps:   s.cfg.Timestamps,
		Algorithms:   s.cfg.Algorithms,
		Policy:       s.cfg.Policy,
		Resigner:     s.signer,
		Decryption:   src,
		Prompter:     s.cfg.Prompter,
	})

	ev := log.Info().Str("driver", s.cfg.Driver.Name())
	if c := s.init.SigningCertificate; c != nil {
		ev = ev.Str("subject", c.Subject.String())
	}
	ev.Msg("session initialized")
	return s.init, nil
}

// InitResult returns the certificates of the active credential.
func (s *Session) InitResult() (device.InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return device.InitResult{}, ErrNotInitialized
	}
	return s.init, nil
}

// Sign signs every record with the session credential unless req carries
// its own key.
func (s *Session) Sign(ctx context.Context, records []*record.Record, req signing.Request) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		for _, r := range records {
			r.EnsureID()
			r.SignOutcome = record.SignNotInitialized
			r.Err = ErrNotInitialized
		}
		return s.finish(ctx, "sign", records, signResult), ErrNotInitialized
	}

	err := s.signer.Sign(ctx, records, req)
	if err != nil {
		for _, r := range records {
			r.EnsureID()
			if r.SignOutcome == record.SignPending {
				r.SignOutcome = record.SignError
				r.Err = err
			}
		}
		log.Error().Err(err).Msg("signing batch failed")
	}
	return s.finish(ctx, "sign", records, signResult), err
}

// Verify runs the verification engine over every record.
func (s *Session) Verify(ctx context.Context, records []*record.Record, opts verify.Options) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyLocked(ctx, "verify", records, opts)
}

func (s *Session) verifyLocked(ctx context.Context, op string, records []*record.Record, opts verify.Options) ([]Result, error) {
	if s.cred == nil {
		for _, r := range records {
			r.EnsureID()
			r.ResetOutputs()
			r.VerifyOutcome = record.NotInitialized
			r.Err = ErrNotInitialized
		}
		return s.finish(ctx, op, records, verifyResult), ErrNotInitialized
	}
	_, err := s.checker.Verify(ctx, records, opts)
	return s.finish(ctx, op, records, verifyResult), err
}

// VerifyCertificate checks the Certificate of every record. Records
// without one are NO_DATA.
func (s *Session) VerifyCertificate(ctx context.Context, records []*record.Record, opts verify.Options) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return s.verifyLocked(ctx, "cert-verify", records, opts)
	}

	var (
		originals []*record.Record
		stripped  []*record.Record
	)
	for _, r := range records {
		r.EnsureID()
		r.ResetOutputs()
		if len(r.Certificate) == 0 {
			r.VerifyOutcome = record.NoData
			r.Err = errors.New("no certificate supplied")
			continue
		}
		originals = append(originals, r)
		stripped = append(stripped, certificateOnly(r))
	}
	_, err := s.checker.Verify(ctx, stripped, opts)
	for i, r := range originals {
		copyVerifyOutputs(r, stripped[i])
	}
	return s.finish(ctx, "cert-verify", records, verifyResult), err
}

// certificateOnly strips r down to what the certificate path reads.
func certificateOnly(r *record.Record) *record.Record {
	return &record.Record{
		ID:           r.EnsureID(),
		Name:         r.Name,
		Certificate:  r.Certificate,
		OCSPResponse: r.OCSPResponse,
	}
}

func copyVerifyOutputs(dst, src *record.Record) {
	dst.VerifyOutcome = src.VerifyOutcome
	dst.Signers = src.Signers
	dst.Caveats = src.Caveats
	dst.OCSPResponseOut = src.OCSPResponseOut
	dst.Err = src.Err
}

// Encrypt envelopes each record's Document for the recipients into
// EncryptedDocument. Outcomes use the signing family: SIGNED means the
// artifact was produced.
func (s *Session) Encrypt(ctx context.Context, records []*record.Record, recipients []*x509.Certificate) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		for _, r := range records {
			r.EnsureID()
			r.SignOutcome = record.SignNotInitialized
			r.Err = ErrNotInitialized
		}
		return s.finish(ctx, "encrypt", records, signResult), ErrNotInitialized
	}

	for i, r := range records {
		r.EnsureID()
		r.EncryptedDocument = nil
		r.Err = nil
		if err := ctx.Err(); err != nil {
			for _, rest := range records[i:] {
				rest.SignOutcome = record.SignError
				rest.Err = err
			}
			return s.finish(ctx, "encrypt", records, signResult), err
		}

		out, err := envelope.Encrypt(r.Document, recipients)
		switch {
		case err == nil:
			r.EncryptedDocument = out
			r.SignOutcome = record.Signed
		case errors.Is(err, envelope.ErrInvalidRecipient), errors.Is(err, envelope.ErrNoRecipients):
			r.SignOutcome = record.EncryptionTargetInvalid
			r.Err = err
		default:
			r.SignOutcome = record.SignError
			r.Err = err
		}
		log.Debug().Str("record_id", r.ID).Str("outcome", r.SignOutcome.String()).Err(r.Err).Msg("record encrypted")
	}
	return s.finish(ctx, "encrypt", records, signResult), nil
}

// Decrypt opens the enveloped container in each record's Signature, or its
// Document when Signature is empty. Plain payloads end DECODED_UNSIGNED_DATA
// with the recovered Document; signed payloads are verified.
func (s *Session) Decrypt(ctx context.Context, records []*record.Record, opts verify.Options) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return s.verifyLocked(ctx, "decrypt", records, opts)
	}

	var enveloped []*record.Record
	for _, r := range records {
		r.EnsureID()
		if len(r.Signature) == 0 && len(r.Document) > 0 {
			r.Signature, r.Document = r.Document, nil
		}
		if !cms.IsEnvelopedData(r.Signature) {
			r.ResetOutputs()
			r.VerifyOutcome = record.DecodeFailed
			r.Err = envelope.ErrNotEnveloped
			if len(r.Signature) == 0 {
				r.VerifyOutcome = record.NoData
			}
			continue
		}
		enveloped = append(enveloped, r)
	}
	_, err := s.checker.Verify(ctx, enveloped, opts)
	return s.finish(ctx, "decrypt", records, verifyResult), err
}

// CheckPDFA classifies each record's Document against PDF/A.
func (s *Session) CheckPDFA(ctx context.Context, records []*record.Record) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range records {
		r.EnsureID()
		r.Caveats = nil
		r.Err = nil
		if s.cred == nil {
			r.PDFAOutcome = record.PDFANotInitialized
			r.Err = ErrNotInitialized
			continue
		}
		if err := ctx.Err(); err != nil {
			for _, rest := range records[i:] {
				rest.PDFAOutcome = record.PDFAError
				rest.Err = err
			}
			return s.finish(ctx, "pdfa", records, pdfaResult), err
		}

		report, err := pdfsig.CheckPDFA(r.Document)
		if err != nil {
			r.PDFAOutcome = record.PDFAError
			r.Err = err
			continue
		}
		r.PDFAOutcome = report.Outcome
		r.Caveats = report.Issues
	}
	if s.cred == nil {
		return s.finish(ctx, "pdfa", records, pdfaResult), ErrNotInitialized
	}
	return s.finish(ctx, "pdfa", records, pdfaResult), nil
}

// ChangeCredential replaces the PIN or passphrase of the active credential.
func (s *Session) ChangeCredential(ctx context.Context, oldPIN, newPIN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return ErrNotInitialized
	}
	if newPIN == "" {
		return errors.New("new PIN must not be empty")
	}
	if err := s.cred.ChangeCredential(ctx, oldPIN, newPIN); err != nil {
		return errors.Wrap(err, "change credential")
	}
	log.Info().Str("driver", s.cred.Info().Driver).Msg("credential changed")
	return nil
}

// Info describes the active credential holder.
func (s *Session) Info() (device.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return device.Info{}, ErrNotInitialized
	}
	return s.cred.Info(), nil
}

// Close releases the credential. The session can be initialized again.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.cred == nil {
		return nil
	}
	err := s.cred.Close()
	s.cred = nil
	s.init = device.InitResult{}
	s.signer = nil
	s.checker = nil
	log.Info().Msg("session closed")
	return errors.Wrap(err, "close credential")
}

// finish builds the results and journals them.
func (s *Session) finish(ctx context.Context, op string, records []*record.Record, result func(*record.Record) Result) []Result {
	batchID := uuid.NewString()
	results := make([]Result, len(records))
	entries := make([]history.Entry, len(records))
	for i, r := range records {
		results[i] = result(r)
		entries[i] = history.Entry{
			BatchID:   batchID,
			RecordID:  r.ID,
			Operation: op,
			Name:      r.Name,
			Outcome:   results[i].Outcome,
			Error:     r.ErrorString(),
		}
		if len(r.Signers) > 0 {
			entries[i].Signer = r.Signers[0].Subject
		}
	}
	if s.cfg.Journal != nil && len(entries) > 0 {
		if err := s.cfg.Journal.Append(ctx, entries); err != nil {
			log.Warn().Err(err).Str("batch_id", batchID).Msg("outcome journal not updated")
		}
	}
	return results
}

func signResult(r *record.Record) Result {
	return Result{RecordID: r.ID, Name: r.Name, Outcome: r.SignOutcome.String(), Successful: r.SignOutcome == record.Signed, Err: r.Err}
}

func verifyResult(r *record.Record) Result {
	return Result{RecordID: r.ID, Name: r.Name, Outcome: r.VerifyOutcome.String(), Successful: r.VerifyOutcome.Successful(), Err: r.Err}
}

func pdfaResult(r *record.Record) Result {
	return Result{RecordID: r.ID, Name: r.Name, Outcome: r.PDFAOutcome.String(), Successful: r.PDFAOutcome == record.PDFACompliant, Err: r.Err}
}

// credentials adapts the session credential to the engines. Engines call it
// while the session lock is held.
type credentials struct {
	s *Session
}

func (c credentials) SigningCredential(ctx context.Context) (*signing.Credential, error) {
	cred := c.s.cred
	if cred == nil {
		return nil, ErrNotInitialized
	}
	key, err := cred.Signer(ctx)
	if err != nil {
		return nil, err
	}
	init := cred.InitResult()
	if init.SigningCertificate == nil {
		return nil, errors.New("device has no signing certificate")
	}
	return &signing.Credential{
		Key:    key,
		Cert:   init.SigningCertificate,
		Chain:  init.Chain,
		Hashes: cred.SupportedHashes(),
	}, nil
}

func (c credentials) DecryptionCredential(ctx context.Context) (*x509.Certificate, crypto.Decrypter, error) {
	cred := c.s.cred
	if cred == nil {
		return nil, nil, ErrNotInitialized
	}
	init := cred.InitResult()
	cert := init.DecryptionCertificate
	if cert == nil {
		cert = init.SigningCertificate
	}
	if cert == nil {
		return nil, nil, errors.New("device has no decryption certificate")
	}
	key, err := cred.Decrypter(ctx)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}
