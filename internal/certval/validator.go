package certval

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"golang.org/x/crypto/ocsp"
)

// Config holds what every validation shares.
type Config struct {
	Roots         *x509.CertPool
	Intermediates []*x509.Certificate
	OCSP          *OCSPClient
	Mode          OCSPMode
}

// Options tune a single validation.
type Options struct {
	// AsOf is the instant the validity window is checked against. Zero means now.
	AsOf time.Time

	// SigningTime is a trusted signing time, from a timestamp. A revocation
	// dated after it does not invalidate the certificate.
	SigningTime *time.Time

	// Intermediates from the signature container.
	Intermediates []*x509.Certificate

	// OCSPResponse is a pre-fetched DER response, used before asking the responder.
	OCSPResponse []byte

	// Mode overrides the validator's OCSP mode when set.
	Mode OCSPMode
}

// Report is the outcome of one validation.
type Report struct {
	Outcome      Outcome             `json:"outcome"`
	Reason       string              `json:"reason,omitempty"`
	Chain        []*x509.Certificate `json:"-"`
	OCSPStatus   string              `json:"ocsp_status"`
	OCSPResponse []byte              `json:"-"`
	RevokedAt    *time.Time          `json:"revoked_at,omitempty"`
	Caveats      []string            `json:"caveats,omitempty"`
}

// Validator checks certificates against a root pool and an OCSP responder.
type Validator struct {
	roots         *x509.CertPool
	intermediates []*x509.Certificate
	ocsp          *OCSPClient
	mode          OCSPMode
	now           func() time.Time
}

// New returns a validator. A nil root pool means the system pool.
func New(cfg Config) *Validator {
	mode := cfg.Mode
	if mode == "" {
		mode = OCSPOptional
	}
	return &Validator{
		roots:         cfg.Roots,
		intermediates: cfg.Intermediates,
		ocsp:          cfg.OCSP,
		mode:          mode,
		now:           time.Now,
	}
}

// Roots returns the configured trust anchors.
func (v *Validator) Roots() *x509.CertPool {
	return v.roots
}

// Validate runs chain, validity window and revocation checks for cert.
// The error return is reserved for a canceled context; every verdict about
// the certificate is in the report.
func (v *Validator) Validate(ctx context.Context, cert *x509.Certificate, opts Options) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	report := &Report{OCSPStatus: "not-checked"}
	if cert == nil {
		report.Outcome = Invalid
		report.Reason = "no certificate"
		return report, nil
	}

	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = v.now()
	}

	inter := x509.NewCertPool()
	for _, c := range v.intermediates {
		inter.AddCert(c)
	}
	for _, c := range opts.Intermediates {
		inter.AddCert(c)
	}

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: inter,
		CurrentTime:   asOf,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		report.Outcome = Invalid
		report.Reason = chainReason(err)
		log.Debug().Str("subject", cert.Subject.String()).Err(err).Msg("certificate chain rejected")
		return report, nil
	}
	report.Chain = chains[0]

	mode := opts.Mode
	if mode == "" {
		mode = v.mode
	}
	if mode == OCSPOff {
		report.Outcome = Valid
		return report, nil
	}
	if len(report.Chain) < 2 {
		// A trust anchor has no issuer to ask.
		report.Outcome = Valid
		return report, nil
	}
	issuer := report.Chain[1]

	resp, raw, err := v.revocation(ctx, cert, issuer, opts.OCSPResponse)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		report.OCSPStatus = "unavailable"
		if mode == OCSPMandatory {
			report.Outcome = Invalid
			report.Reason = "mandatory revocation check failed: " + err.Error()
			return report, nil
		}
		report.Outcome = Valid
		report.Caveats = append(report.Caveats, "revocation status not checked: "+err.Error())
		return report, nil
	}
	report.OCSPResponse = raw

	switch resp.Status {
	case ocsp.Good:
		report.OCSPStatus = "good"
		report.Outcome = Valid
	case ocsp.Revoked:
		report.OCSPStatus = "revoked"
		at := resp.RevokedAt
		report.RevokedAt = &at
		if opts.SigningTime != nil && at.After(*opts.SigningTime) {
			report.Outcome = Valid
			report.Caveats = append(report.Caveats, fmt.Sprintf("certificate revoked after signing (%s)", at.UTC().Format(time.RFC3339)))
			return report, nil
		}
		report.Outcome = Revoked
		report.Reason = fmt.Sprintf("revoked at %s", at.UTC().Format(time.RFC3339))
	default:
		report.OCSPStatus = "unknown"
		if mode == OCSPMandatory {
			report.Outcome = Invalid
			report.Reason = "responder does not know the certificate"
			return report, nil
		}
		report.Outcome = Unknown
		report.Caveats = append(report.Caveats, "revocation status unknown to responder")
	}
	return report, nil
}

func (v *Validator) revocation(ctx context.Context, cert, issuer *x509.Certificate, prefetched []byte) (*ocsp.Response, []byte, error) {
	if len(prefetched) > 0 {
		resp, err := v.ocsp.Check(prefetched, cert, issuer)
		if err == nil {
			return resp, prefetched, nil
		}
		log.Debug().Err(err).Msg("pre-fetched OCSP response rejected")
	}
	if v.ocsp == nil {
		return nil, nil, errors.Wrap(ErrResponderUnavailable, "no OCSP client configured")
	}
	return v.ocsp.Fetch(ctx, cert, issuer)
}

func chainReason(err error) string {
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) {
		switch invalid.Reason {
		case x509.Expired:
			return "certificate expired or not yet valid"
		case x509.IncompatibleUsage:
			return "certificate not valid for signing"
		}
	}
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) {
		return "certificate not issued by a trusted authority"
	}
	return err.Error()
}

// LoadCertificates reads every PEM certificate in the given files.
func LoadCertificates(paths []string) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		certs, err := cryptoutils.UnmarshalCertificatesFromPEM(data)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", p)
		}
		out = append(out, certs...)
	}
	return out, nil
}

// PoolOf builds a pool from certificates.
func PoolOf(certs []*x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool
}
