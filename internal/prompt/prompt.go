// Package prompt defines how the core asks a person for a PIN, a
// certificate choice or a file. Engines never talk to a terminal directly;
// they receive a CredentialPrompter.
package prompt

import (
	"context"
	"crypto/x509"

	"github.com/pkg/errors"
)

// ErrCanceled is returned when the person dismisses a prompt.
var ErrCanceled = errors.New("prompt: canceled by user")

// Purpose says why a file is requested.
type Purpose string

const (
	PurposeDocument    Purpose = "document"
	PurposeSignature   Purpose = "signature"
	PurposeCertificate Purpose = "certificate"
	PurposeTimestamp   Purpose = "timestamp"
)

// PINRequest describes the credential being unlocked.
type PINRequest struct {
	// Label names the token or key file.
	Label string
	// RetriesLeft is reported by some tokens; zero means unknown.
	RetriesLeft int
	// Retry is true after a wrong PIN.
	Retry bool
}

// CredentialPrompter is the interactive capability handed to devices and engines.
type CredentialPrompter interface {
	PIN(ctx context.Context, req PINRequest) (string, error)
	SelectCertificate(ctx context.Context, certs []*x509.Certificate) (*x509.Certificate, error)
	SelectFile(ctx context.Context, purpose Purpose) ([]byte, error)
}

// Static answers every prompt from pre-supplied values and never blocks.
// Missing answers count as cancellation.
type Static struct {
	PINValue string
	Files    map[Purpose][]byte
	// CertificateIndex picks among candidate certificates.
	CertificateIndex int
}

// PIN returns the configured PIN. A retry after a wrong PIN cancels, so a
// bad static PIN cannot lock a token.
func (s *Static) PIN(ctx context.Context, req PINRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.PINValue == "" || req.Retry {
		return "", ErrCanceled
	}
	return s.PINValue, nil
}

// SelectCertificate returns the configured candidate.
func (s *Static) SelectCertificate(ctx context.Context, certs []*x509.Certificate) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := 0
	if s != nil {
		idx = s.CertificateIndex
	}
	if idx < 0 || idx >= len(certs) {
		return nil, ErrCanceled
	}
	return certs[idx], nil
}

// SelectFile returns the bytes configured for purpose.
func (s *Static) SelectFile(ctx context.Context, purpose Purpose) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrCanceled
	}
	data, ok := s.Files[purpose]
	if !ok {
		return nil, ErrCanceled
	}
	return data, nil
}
