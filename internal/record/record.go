// Package record defines the unit of work shared by the signing, verification
// and encryption pipelines, together with the closed outcome types each
// pipeline reports.
package record

import (
	"crypto/x509"
	"time"

	"github.com/google/uuid"
)

// Record is one signing, verification, encryption or PDF/A request. Engines
// read the input fields and write only the output fields. A record is owned
// by a single engine invocation at a time.
type Record struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name,omitempty" yaml:"name,omitempty"`
	Document     []byte       `json:"-" yaml:"-"`
	DocumentType DocumentType `json:"document_type,omitempty" yaml:"document_type,omitempty"`
	MimeType     string       `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`

	OldSignature             []byte            `json:"-" yaml:"-"`
	SignatureFormat          SignatureFormat   `json:"signature_format,omitempty" yaml:"signature_format,omitempty"`
	HashAlgorithm            string            `json:"hash_algorithm,omitempty" yaml:"hash_algorithm,omitempty"`
	Padding                  Padding           `json:"padding,omitempty" yaml:"padding,omitempty"`
	IncludeSignerCertificate bool              `json:"include_signer_certificate" yaml:"include_signer_certificate"`
	XMLNodePath              string            `json:"xml_node_path,omitempty" yaml:"xml_node_path,omitempty"`
	XMLNamespace             string            `json:"xml_namespace,omitempty" yaml:"xml_namespace,omitempty"`
	TransformFilters         []TransformFilter `json:"transform_filters,omitempty" yaml:"transform_filters,omitempty"`
	PDFAnnotation            *PDFAnnotation    `json:"pdf_annotation,omitempty" yaml:"pdf_annotation,omitempty"`

	Timestamp         []byte   `json:"-" yaml:"-"`
	ArchiveTimestamps [][]byte `json:"-" yaml:"-"`
	Certificate       []byte   `json:"-" yaml:"-"`
	OCSPResponse      []byte   `json:"-" yaml:"-"`
	Resign            bool     `json:"resign,omitempty" yaml:"resign,omitempty"`

	// Signature is an input on verification and an output on signing.
	Signature []byte `json:"-" yaml:"-"`

	// Outputs.
	SignatureCiphered []byte         `json:"-" yaml:"-"`
	EncryptedDocument []byte         `json:"-" yaml:"-"`
	OCSPResponseOut   []byte         `json:"-" yaml:"-"`
	SignOutcome       SignOutcome    `json:"sign_outcome,omitempty" yaml:"sign_outcome,omitempty"`
	VerifyOutcome     VerifyOutcome  `json:"verify_outcome,omitempty" yaml:"verify_outcome,omitempty"`
	PDFAOutcome       PDFAOutcome    `json:"pdfa_outcome,omitempty" yaml:"pdfa_outcome,omitempty"`
	Signers           []SignerReport `json:"signers,omitempty" yaml:"signers,omitempty"`
	Caveats           []string       `json:"caveats,omitempty" yaml:"caveats,omitempty"`
	Err               error          `json:"-" yaml:"-"`
}

// SignerReport describes one signer of a verified container.
type SignerReport struct {
	Subject       string            `json:"subject"`
	Issuer        string            `json:"issuer"`
	Serial        string            `json:"serial"`
	HashAlgorithm string            `json:"hash_algorithm"`
	Padding       Padding           `json:"padding,omitempty"`
	SigningTime   *time.Time        `json:"signing_time,omitempty"`
	TimestampTime *time.Time        `json:"timestamp_time,omitempty"`
	Outcome       VerifyOutcome     `json:"outcome"`
	Caveats       []string          `json:"caveats,omitempty"`
	Certificate   *x509.Certificate `json:"-"`
}

// New returns a record with a fresh identifier.
func New(name string, document []byte) *Record {
	return &Record{
		ID:       uuid.NewString(),
		Name:     name,
		Document: document,
	}
}

// EnsureID assigns an identifier when the caller left it empty.
func (r *Record) EnsureID() string {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return r.ID
}

// ResetOutputs clears everything an engine may have written previously.
func (r *Record) ResetOutputs() {
	r.SignatureCiphered = nil
	r.EncryptedDocument = nil
	r.OCSPResponseOut = nil
	r.SignOutcome = SignPending
	r.VerifyOutcome = VerifyPending
	r.PDFAOutcome = PDFAPending
	r.Signers = nil
	r.Caveats = nil
	r.Err = nil
}

// AddCaveat records a non-fatal observation about the result.
func (r *Record) AddCaveat(caveat string) {
	for _, c := range r.Caveats {
		if c == caveat {
			return
		}
	}
	r.Caveats = append(r.Caveats, caveat)
}

// ErrorString returns the recorded error text, or "" when there is none.
func (r *Record) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
