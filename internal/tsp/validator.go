// Package tsp validates RFC 3161 timestamp tokens and requests new ones from
// a timestamp authority.
package tsp

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/open-verix/secsign/internal/policy"
	"github.com/open-verix/secsign/internal/record"
)

// Status classifies a token.
type Status int

const (
	StatusValid Status = iota + 1
	StatusInvalid
	StatusAlgorithmExpired
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusInvalid:
		return "INVALID"
	case StatusAlgorithmExpired:
		return "ALGORITHM_EXPIRED"
	}
	return "PENDING"
}

// Report describes one checked token.
type Report struct {
	Status Status
	Reason string
	Time   time.Time
	Token  *timestamp.Timestamp
	TSA    *x509.Certificate
}

// Outcome maps the report onto the verification outcome family.
func (r *Report) Outcome() record.VerifyOutcome {
	switch r.Status {
	case StatusValid:
		return record.TimestampValid
	case StatusAlgorithmExpired:
		return record.AlgorithmExpired
	}
	return record.TimestampInvalid
}

// Validator checks tokens against a TSA trust pool and the algorithm policy.
type Validator struct {
	roots      *x509.CertPool
	algorithms *policy.AlgorithmPolicy
	now        func() time.Time
}

// NewValidator returns a validator. Nil roots means the system pool; nil
// algorithms means the built-in expiry table.
func NewValidator(roots *x509.CertPool, algorithms *policy.AlgorithmPolicy) *Validator {
	if algorithms == nil {
		algorithms = policy.DefaultAlgorithmPolicy()
	}
	return &Validator{roots: roots, algorithms: algorithms, now: time.Now}
}

// Verify checks that token is a well-formed, correctly signed timestamp over
// data, issued by a trusted TSA, using algorithms that are still trusted.
func (v *Validator) Verify(token, data []byte) *Report {
	report := v.check(token, data)
	if report.Status != StatusValid {
		return report
	}
	if e, expired := v.algorithms.ExpiredAt(report.Token.HashAlgorithm, report.TSA.PublicKey, v.now()); expired {
		report.Status = StatusAlgorithmExpired
		report.Reason = "timestamp " + e.Reason
	}
	return report
}

// check runs everything except the expiry test.
func (v *Validator) check(token, data []byte) *Report {
	report := &Report{Status: StatusInvalid}
	if len(token) == 0 {
		report.Reason = "empty timestamp token"
		return report
	}

	ts, err := timestamp.Parse(token)
	if err != nil {
		report.Reason = "malformed or unverifiable timestamp token: " + err.Error()
		return report
	}
	report.Token = ts
	report.Time = ts.Time

	if !ts.HashAlgorithm.Available() {
		report.Reason = fmt.Sprintf("unsupported timestamp hash %v", ts.HashAlgorithm)
		return report
	}
	h := ts.HashAlgorithm.New()
	h.Write(data)
	if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
		report.Reason = "timestamp does not cover the supplied data"
		return report
	}

	tsa := signerCertificate(ts)
	if tsa == nil {
		report.Reason = "timestamp token carries no TSA certificate"
		return report
	}
	report.TSA = tsa

	inter := x509.NewCertPool()
	for _, c := range ts.Certificates {
		if c != tsa {
			inter.AddCert(c)
		}
	}
	if _, err := tsa.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: inter,
		CurrentTime:   ts.Time,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}); err != nil {
		report.Reason = "untrusted timestamp authority: " + err.Error()
		return report
	}

	report.Status = StatusValid
	return report
}

func signerCertificate(ts *timestamp.Timestamp) *x509.Certificate {
	for _, c := range ts.Certificates {
		for _, eku := range c.ExtKeyUsage {
			if eku == x509.ExtKeyUsageTimeStamping {
				return c
			}
		}
	}
	if len(ts.Certificates) > 0 {
		return ts.Certificates[0]
	}
	return nil
}

// Anchor reports whether any token proves that data existed before expiry.
// A token anchors only if it is itself valid and its own algorithms are
// still trusted today.
func (v *Validator) Anchor(expiry time.Time, data []byte, tokens ...[]byte) (time.Time, bool) {
	for _, tok := range tokens {
		if len(tok) == 0 {
			continue
		}
		r := v.Verify(tok, data)
		if r.Status != StatusValid {
			log.Debug().Str("reason", r.Reason).Msg("archival timestamp rejected")
			continue
		}
		if r.Time.Before(expiry) {
			return r.Time, true
		}
	}
	return time.Time{}, false
}

// GenTime returns the time asserted by a valid token over data.
func (v *Validator) GenTime(token, data []byte) (time.Time, error) {
	r := v.check(token, data)
	if r.Status != StatusValid {
		return time.Time{}, errors.New(r.Reason)
	}
	return r.Time, nil
}
