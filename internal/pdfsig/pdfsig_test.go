package pdfsig

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/cms"
	"github.com/open-verix/secsign/internal/pkitest"
	"github.com/open-verix/secsign/internal/record"
)

func verifyAll(t *testing.T, signed []byte, id *pkitest.Identity) []Signature {
	t.Helper()
	sigs, err := Extract(signed)
	require.NoError(t, err)
	for _, s := range sigs {
		sd, err := cms.Parse(s.Container)
		require.NoError(t, err)
		require.True(t, sd.Detached())
		require.Len(t, sd.Signers, 1)
		cert := sd.FindCertificate(sd.Signers[0], []*x509.Certificate{id.Cert})
		require.NotNil(t, cert)
		assert.NoError(t, sd.Verify(sd.Signers[0], s.Content, cert))
	}
	return sigs
}

func TestSignAndExtract(t *testing.T) {
	ca := pkitest.NewAuthority(t, "pdf root")
	id := ca.Issue(t, pkitest.IssueOptions{CommonName: "pdf signer"})
	doc := pkitest.MinimalPDF(pkitest.PDFOptions{})

	signed, err := Sign(doc, id.Key, SignOptions{
		Hash:        crypto.SHA256,
		Certificate: id.Cert,
		Annotation:  &record.PDFAnnotation{Reason: "approval", Location: "Lisbon"},
		SigningTime: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, doc, signed[:len(doc)], "incremental update must keep the original bytes")

	sigs := verifyAll(t, signed, id)
	require.Len(t, sigs, 1)
	assert.True(t, sigs[0].WholeFile)
	assert.Contains(t, string(signed), "approval")
}

func TestCountersign(t *testing.T) {
	ca := pkitest.NewAuthority(t, "pdf root")
	first := ca.Issue(t, pkitest.IssueOptions{CommonName: "first"})
	second := ca.Issue(t, pkitest.IssueOptions{CommonName: "second"})

	once, err := Sign(pkitest.MinimalPDF(pkitest.PDFOptions{}), first.Key, SignOptions{Hash: crypto.SHA256, Certificate: first.Cert})
	require.NoError(t, err)
	twice, err := Sign(once, second.Key, SignOptions{Hash: crypto.SHA512, Certificate: second.Cert})
	require.NoError(t, err)

	sigs, err := Extract(twice)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.False(t, sigs[0].WholeFile)
	assert.True(t, sigs[1].WholeFile)

	for i, id := range []*pkitest.Identity{first, second} {
		sd, err := cms.Parse(sigs[i].Container)
		require.NoError(t, err)
		assert.NoError(t, sd.Verify(sd.Signers[0], sigs[i].Content, id.Cert))
	}
}

func TestTamperedPDF(t *testing.T) {
	ca := pkitest.NewAuthority(t, "pdf root")
	id := ca.Issue(t, pkitest.IssueOptions{})

	signed, err := Sign(pkitest.MinimalPDF(pkitest.PDFOptions{Text: "pay 10"}), id.Key, SignOptions{Hash: crypto.SHA256, Certificate: id.Cert})
	require.NoError(t, err)

	tampered := append([]byte(nil), signed...)
	at := bytes.Index(tampered, []byte("pay 10"))
	require.GreaterOrEqual(t, at, 0)
	copy(tampered[at:], "pay 99")

	sigs, err := Extract(tampered)
	require.NoError(t, err)
	sd, err := cms.Parse(sigs[0].Container)
	require.NoError(t, err)
	err = sd.Verify(sd.Signers[0], sigs[0].Content, id.Cert)
	assert.True(t, errors.Is(err, cms.ErrDigestMismatch), "got %v", err)
}

func TestSignErrors(t *testing.T) {
	ca := pkitest.NewAuthority(t, "pdf root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	doc := pkitest.MinimalPDF(pkitest.PDFOptions{})

	_, err := Sign(doc, id.Key, SignOptions{Hash: crypto.SHA256, PSS: true, Certificate: id.Cert})
	assert.True(t, errors.Is(err, ErrPSSUnsupported))

	_, err = Sign([]byte("plain text"), id.Key, SignOptions{Hash: crypto.SHA256, Certificate: id.Cert})
	assert.True(t, errors.Is(err, ErrNotPDF))

	_, err = Sign(doc, id.Key, SignOptions{Hash: crypto.SHA256})
	assert.Error(t, err)

	_, err = Extract(doc)
	assert.True(t, errors.Is(err, ErrNoSignature))
}

func TestCheckPDFA(t *testing.T) {
	tests := []struct {
		name   string
		doc    []byte
		want   record.PDFAOutcome
		issues int
	}{
		{name: "compliant", doc: pkitest.MinimalPDF(pkitest.PDFOptions{PDFA: true}), want: record.PDFACompliant},
		{name: "plain", doc: pkitest.MinimalPDF(pkitest.PDFOptions{}), want: record.PDFANotCompliant, issues: 2},
		{name: "scripted", doc: pkitest.MinimalPDF(pkitest.PDFOptions{PDFA: true, JavaScript: true}), want: record.PDFANotCompliant, issues: 1},
		{name: "empty", doc: nil, want: record.PDFANoData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := CheckPDFA(tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Outcome)
			assert.Len(t, report.Issues, tt.issues, "%v", report.Issues)
		})
	}

	report, err := CheckPDFA(pkitest.MinimalPDF(pkitest.PDFOptions{PDFA: true}))
	require.NoError(t, err)
	assert.Equal(t, "1", report.Part)

	_, err = CheckPDFA([]byte("not a pdf"))
	assert.True(t, errors.Is(err, ErrNotPDF))
}
