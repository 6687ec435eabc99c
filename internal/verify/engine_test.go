package verify

import (
	"context"
	"crypto"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/certval"
	"github.com/open-verix/secsign/internal/cms"
	"github.com/open-verix/secsign/internal/envelope"
	"github.com/open-verix/secsign/internal/pdfsig"
	"github.com/open-verix/secsign/internal/pkitest"
	"github.com/open-verix/secsign/internal/policy"
	"github.com/open-verix/secsign/internal/prompt"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/xmldsig"
)

func newEngine(t *testing.T, ca *pkitest.Authority, cfg Config) *Engine {
	t.Helper()
	if cfg.Certificates == nil {
		cfg.Certificates = certval.New(certval.Config{Roots: ca.Pool(), Mode: certval.OCSPOff})
	}
	return New(cfg)
}

func sign(t *testing.T, id *pkitest.Identity, content []byte, detached bool, opts cms.SignerOptions) []byte {
	t.Helper()
	if opts.Hash == 0 {
		opts.Hash = crypto.SHA256
	}
	if opts.Certificate == nil {
		opts.Certificate = id.Cert
	}
	out, err := cms.Sign(content, detached, id.Key, opts)
	require.NoError(t, err)
	return out
}

func verifyOne(t *testing.T, e *Engine, r *record.Record, opts Options) *record.Record {
	t.Helper()
	outcomes, err := e.Verify(context.Background(), []*record.Record{r}, opts)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, r.VerifyOutcome, outcomes[0])
	return r
}

func TestVerifyRoundTrip(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	id := ca.Issue(t, pkitest.IssueOptions{CommonName: "alice"})
	e := newEngine(t, ca, Config{})
	doc := []byte("the quick brown fox")

	t.Run("detached", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{
			Document:  doc,
			Signature: sign(t, id, doc, true, cms.SignerOptions{IncludeCertificate: true, PSS: true}),
		}, Options{})
		assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
		assert.Equal(t, record.FormatPKCS7Detached, r.SignatureFormat)
		assert.Equal(t, doc, r.Document)
		require.Len(t, r.Signers, 1)
		assert.Equal(t, record.PaddingPSS, r.Signers[0].Padding)
		assert.Contains(t, r.Signers[0].Subject, "alice")
	})

	t.Run("embedded recovers the document", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{
			Signature: sign(t, id, doc, false, cms.SignerOptions{IncludeCertificate: true}),
		}, Options{})
		assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
		assert.Equal(t, record.FormatPKCS7Embedded, r.SignatureFormat)
		assert.Equal(t, doc, r.Document)
	})
}

func TestVerifyOutcomes(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	other := pkitest.NewAuthority(t, "other root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	impostor := ca.Issue(t, pkitest.IssueOptions{FreshKey: true})
	stranger := other.Issue(t, pkitest.IssueOptions{})
	expired := ca.Issue(t, pkitest.IssueOptions{
		NotBefore: time.Now().AddDate(-2, 0, 0),
		NotAfter:  time.Now().AddDate(-1, 0, 0),
	})
	doc := []byte("contract text")
	e := newEngine(t, ca, Config{})

	tests := []struct {
		name string
		rec  *record.Record
		want record.VerifyOutcome
	}{
		{
			name: "nothing supplied",
			rec:  &record.Record{},
			want: record.NoData,
		},
		{
			name: "empty signature bytes",
			rec:  &record.Record{Document: doc, Signature: []byte{}},
			want: record.NoData,
		},
		{
			name: "garbage container",
			rec:  &record.Record{Document: doc, Signature: []byte{0x30, 0x03, 0x01, 0x02}},
			want: record.DecodeFailed,
		},
		{
			name: "text is not a container",
			rec:  &record.Record{Document: doc, Signature: []byte("hello")},
			want: record.DecodeFailed,
		},
		{
			name: "detached without document",
			rec:  &record.Record{Signature: sign(t, id, doc, true, cms.SignerOptions{IncludeCertificate: true})},
			want: record.NoData,
		},
		{
			name: "changed document",
			rec:  &record.Record{Document: []byte("contract text!"), Signature: sign(t, id, doc, true, cms.SignerOptions{IncludeCertificate: true})},
			want: record.DataMismatch,
		},
		{
			name: "embedded content differs from supplied document",
			rec:  &record.Record{Document: []byte("other"), Signature: sign(t, id, doc, false, cms.SignerOptions{IncludeCertificate: true})},
			want: record.DataMismatch,
		},
		{
			name: "signature by another key",
			rec: &record.Record{Document: doc, Signature: sign(t, impostor, doc, true, cms.SignerOptions{
				Certificate:        id.Cert,
				IncludeCertificate: true,
			})},
			want: record.SignatureInvalid,
		},
		{
			name: "untrusted signer",
			rec:  &record.Record{Document: doc, Signature: sign(t, stranger, doc, true, cms.SignerOptions{IncludeCertificate: true})},
			want: record.SignatureValidCertInvalid,
		},
		{
			name: "expired signer",
			rec:  &record.Record{Document: doc, Signature: sign(t, expired, doc, true, cms.SignerOptions{IncludeCertificate: true})},
			want: record.SignatureValidCertInvalid,
		},
		{
			name: "expired hash",
			rec:  &record.Record{Document: doc, Signature: sign(t, id, doc, true, cms.SignerOptions{Hash: crypto.SHA1, IncludeCertificate: true})},
			want: record.AlgorithmExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := verifyOne(t, e, tt.rec, Options{})
			assert.Equal(t, tt.want, r.VerifyOutcome, "%v", r.Err)
			if tt.want != record.SignatureValid {
				assert.Error(t, r.Err)
			}
		})
	}
}

func TestVerifyExternalSigner(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	doc := []byte("no certificate inside")
	sig := sign(t, id, doc, true, cms.SignerOptions{})
	e := newEngine(t, ca, Config{})

	r := verifyOne(t, e, &record.Record{Document: doc, Signature: sig}, Options{})
	assert.Equal(t, record.SignatureInvalid, r.VerifyOutcome)
	assert.True(t, errors.Is(r.Err, cms.ErrSignerNotFound))

	r = verifyOne(t, e, &record.Record{Document: doc, Signature: sig}, Options{ExternalSignerCerts: []*x509.Certificate{id.Cert}})
	assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
}

func TestVerifyMultipleSigners(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	other := pkitest.NewAuthority(t, "other root")
	first := ca.Issue(t, pkitest.IssueOptions{CommonName: "first"})
	second := ca.Issue(t, pkitest.IssueOptions{CommonName: "second", FreshKey: true})
	stranger := other.Issue(t, pkitest.IssueOptions{CommonName: "stranger"})
	doc := []byte("jointly signed")
	e := newEngine(t, ca, Config{})

	container := sign(t, first, doc, true, cms.SignerOptions{IncludeCertificate: true})
	both, err := cms.AddSigner(container, doc, second.Key, cms.SignerOptions{Hash: crypto.SHA512, Certificate: second.Cert, IncludeCertificate: true})
	require.NoError(t, err)

	r := verifyOne(t, e, &record.Record{Document: doc, Signature: both}, Options{})
	assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
	require.Len(t, r.Signers, 2)
	for _, s := range r.Signers {
		assert.Equal(t, record.SignatureValid, s.Outcome)
	}
	assert.Equal(t, "SHA512", r.Signers[1].HashAlgorithm)

	mixed, err := cms.AddSigner(both, doc, stranger.Key, cms.SignerOptions{Hash: crypto.SHA256, Certificate: stranger.Cert, IncludeCertificate: true})
	require.NoError(t, err)
	r = verifyOne(t, e, &record.Record{Document: doc, Signature: mixed}, Options{})
	assert.Equal(t, record.SignatureValidCertInvalid, r.VerifyOutcome)
	require.Len(t, r.Signers, 3)
	assert.Equal(t, record.SignatureValid, r.Signers[0].Outcome)
	assert.Equal(t, record.SignatureValidCertInvalid, r.Signers[2].Outcome)
}

// A signer whose validation cannot complete makes the whole container ERROR,
// whichever position it holds.
func TestVerifyMultipleSignersValidationError(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")

	var cancel context.CancelFunc
	interrupting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cancel()
		http.Error(w, "interrupted", http.StatusServiceUnavailable)
	}))
	defer interrupting.Close()

	plain := ca.Issue(t, pkitest.IssueOptions{CommonName: "plain"})
	checked := ca.Issue(t, pkitest.IssueOptions{CommonName: "checked", FreshKey: true, OCSPServer: []string{interrupting.URL}})
	doc := []byte("signed by two")

	client, err := certval.NewOCSPClient(certval.OCSPConfig{Timeout: 2 * time.Second})
	require.NoError(t, err)
	certs := certval.New(certval.Config{Roots: ca.Pool(), OCSP: client, Mode: certval.OCSPOptional})

	pair := func(first, second *pkitest.Identity) []byte {
		container := sign(t, first, doc, true, cms.SignerOptions{IncludeCertificate: true})
		both, err := cms.AddSigner(container, doc, second.Key, cms.SignerOptions{Hash: crypto.SHA256, Certificate: second.Cert, IncludeCertificate: true})
		require.NoError(t, err)
		return both
	}

	tests := []struct {
		name      string
		signature []byte
		failing   int
	}{
		{name: "failing signer last", signature: pair(plain, checked), failing: 1},
		{name: "failing signer first", signature: pair(checked, plain), failing: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			defer cancel()

			resigner := &fakeResigner{}
			e := newEngine(t, ca, Config{Certificates: certs, Resigner: resigner})
			r := &record.Record{Document: doc, Signature: tt.signature, Resign: true}
			outcomes, err := e.Verify(ctx, []*record.Record{r}, Options{AllowResign: true})
			require.NoError(t, err)
			assert.Equal(t, []record.VerifyOutcome{record.VerifyError}, outcomes)
			assert.Equal(t, record.VerifyError, r.VerifyOutcome)
			assert.Error(t, r.Err)
			require.Len(t, r.Signers, 2)
			assert.Equal(t, record.VerifyError, r.Signers[tt.failing].Outcome)
			assert.Zero(t, resigner.calls, "an ERROR record is never re-signed")
		})
	}
}

func TestVerifyRevocation(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	responder := ca.NewOCSPResponder(t)
	good := ca.Issue(t, pkitest.IssueOptions{OCSPServer: []string{responder.URL}})
	revoked := ca.Issue(t, pkitest.IssueOptions{OCSPServer: []string{responder.URL}})
	responder.Revoke(revoked.Cert.SerialNumber, time.Now().Add(-time.Hour))
	offline := ca.Issue(t, pkitest.IssueOptions{OCSPServer: []string{"http://127.0.0.1:1/ocsp"}})
	doc := []byte("revocation checked")

	client, err := certval.NewOCSPClient(certval.OCSPConfig{Timeout: 2 * time.Second})
	require.NoError(t, err)
	e := newEngine(t, ca, Config{Certificates: certval.New(certval.Config{Roots: ca.Pool(), OCSP: client, Mode: certval.OCSPOptional})})

	tests := []struct {
		name      string
		id        *pkitest.Identity
		mandatory bool
		want      record.VerifyOutcome
		caveat    string
	}{
		{name: "good", id: good, want: record.SignatureValid},
		{name: "revoked", id: revoked, want: record.SignatureValidCertRevoked},
		{name: "responder down, optional", id: offline, want: record.SignatureValid, caveat: "revocation status not checked"},
		{name: "responder down, mandatory", id: offline, mandatory: true, want: record.SignatureValidCertInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := verifyOne(t, e, &record.Record{
				Document:  doc,
				Signature: sign(t, tt.id, doc, true, cms.SignerOptions{IncludeCertificate: true}),
			}, Options{OCSPMandatory: tt.mandatory})
			assert.Equal(t, tt.want, r.VerifyOutcome, "%v", r.Err)
			if tt.caveat != "" {
				require.NotEmpty(t, r.Caveats)
				assert.Contains(t, r.Caveats[0], tt.caveat)
			}
		})
	}

	r := verifyOne(t, e, &record.Record{Document: doc, Signature: sign(t, good, doc, true, cms.SignerOptions{IncludeCertificate: true})}, Options{})
	assert.NotEmpty(t, r.OCSPResponseOut, "fetched response is handed back")
}

func TestVerifyArchivalAnchor(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	tsa := ca.IssueTSA(t)
	id := ca.Issue(t, pkitest.IssueOptions{})
	doc := []byte("long lived")

	// SHA384 expires tomorrow; the engine is evaluated two days from now.
	algorithms := policy.DefaultAlgorithmPolicy()
	algorithms.Hashes = map[string]string{"SHA384": time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")}
	e := newEngine(t, ca, Config{Algorithms: algorithms})
	e.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	sig := sign(t, id, doc, true, cms.SignerOptions{Hash: crypto.SHA384, IncludeCertificate: true})

	r := verifyOne(t, e, &record.Record{Document: doc, Signature: sig}, Options{})
	assert.Equal(t, record.AlgorithmExpired, r.VerifyOutcome)

	archive := pkitest.Timestamp(t, tsa, sig, crypto.SHA256, time.Now())
	r = verifyOne(t, e, &record.Record{Document: doc, Signature: sig, ArchiveTimestamps: [][]byte{archive}}, Options{})
	assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
	require.NotEmpty(t, r.Caveats)
	assert.Contains(t, r.Caveats[0], "anchored by timestamp")
}

func TestVerifySignatureTimestamp(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	tsa := ca.IssueTSA(t)
	id := ca.Issue(t, pkitest.IssueOptions{})
	doc := []byte("stamped")
	e := newEngine(t, ca, Config{})

	sig := sign(t, id, doc, true, cms.SignerOptions{
		IncludeCertificate: true,
		Timestamper: func(value []byte) ([]byte, error) {
			return pkitest.Timestamp(t, tsa, value, crypto.SHA256, time.Now()), nil
		},
	})
	r := verifyOne(t, e, &record.Record{Document: doc, Signature: sig}, Options{})
	assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
	require.Len(t, r.Signers, 1)
	assert.NotNil(t, r.Signers[0].TimestampTime)
}

func TestVerifyCertificatePath(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	other := pkitest.NewAuthority(t, "other root")
	responder := ca.NewOCSPResponder(t)
	id := ca.Issue(t, pkitest.IssueOptions{OCSPServer: []string{responder.URL}})
	revoked := ca.Issue(t, pkitest.IssueOptions{OCSPServer: []string{responder.URL}})
	responder.Revoke(revoked.Cert.SerialNumber, time.Now().Add(-time.Hour))
	stranger := other.Issue(t, pkitest.IssueOptions{})

	client, err := certval.NewOCSPClient(certval.OCSPConfig{Timeout: 2 * time.Second})
	require.NoError(t, err)
	e := newEngine(t, ca, Config{Certificates: certval.New(certval.Config{Roots: ca.Pool(), OCSP: client})})

	tests := []struct {
		name string
		cert []byte
		want record.VerifyOutcome
	}{
		{name: "der", cert: id.Cert.Raw, want: record.CertValid},
		{name: "pem", cert: id.CertPEM(t), want: record.CertValid},
		{name: "revoked", cert: revoked.Cert.Raw, want: record.CertInvalid},
		{name: "untrusted", cert: stranger.Cert.Raw, want: record.CertInvalid},
		{name: "garbage", cert: []byte("not a certificate"), want: record.DecodeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := verifyOne(t, e, &record.Record{Certificate: tt.cert}, Options{})
			assert.Equal(t, tt.want, r.VerifyOutcome, "%v", r.Err)
		})
	}
}

func TestVerifyTimestampPath(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	tsa := ca.IssueTSA(t)
	data := []byte("stamped data")
	e := newEngine(t, ca, Config{})

	tests := []struct {
		name string
		rec  *record.Record
		want record.VerifyOutcome
	}{
		{
			name: "valid",
			rec:  &record.Record{Document: data, Timestamp: pkitest.Timestamp(t, tsa, data, crypto.SHA256, time.Now())},
			want: record.TimestampValid,
		},
		{
			name: "other data",
			rec:  &record.Record{Document: []byte("x"), Timestamp: pkitest.Timestamp(t, tsa, data, crypto.SHA256, time.Now())},
			want: record.TimestampInvalid,
		},
		{
			name: "expired hash",
			rec:  &record.Record{Document: data, Timestamp: pkitest.Timestamp(t, tsa, data, crypto.SHA1, time.Now())},
			want: record.AlgorithmExpired,
		},
		{
			name: "nothing to bind",
			rec:  &record.Record{Timestamp: pkitest.Timestamp(t, tsa, data, crypto.SHA256, time.Now())},
			want: record.NoData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := verifyOne(t, e, tt.rec, Options{})
			assert.Equal(t, tt.want, r.VerifyOutcome, "%v", r.Err)
		})
	}
}

type decryptor struct {
	id *pkitest.Identity
}

func (d decryptor) DecryptionCredential(context.Context) (*x509.Certificate, crypto.Decrypter, error) {
	return d.id.Cert, d.id.Key.(crypto.Decrypter), nil
}

func TestVerifyEnveloped(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	doc := []byte("secret")

	plain, err := envelope.Encrypt(doc, []*x509.Certificate{id.Cert})
	require.NoError(t, err)
	signed, err := envelope.Encrypt(sign(t, id, doc, false, cms.SignerOptions{IncludeCertificate: true}), []*x509.Certificate{id.Cert})
	require.NoError(t, err)

	e := newEngine(t, ca, Config{Decryption: decryptor{id: id}})

	r := verifyOne(t, e, &record.Record{Signature: plain}, Options{})
	assert.Equal(t, record.DecodedUnsignedData, r.VerifyOutcome, "%v", r.Err)
	assert.Equal(t, doc, r.Document)

	r = verifyOne(t, e, &record.Record{Signature: signed}, Options{})
	assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
	assert.Equal(t, doc, r.Document)

	noKey := newEngine(t, ca, Config{})
	r = verifyOne(t, noKey, &record.Record{Signature: plain}, Options{})
	assert.Equal(t, record.DecodeFailed, r.VerifyOutcome)
	assert.True(t, errors.Is(r.Err, ErrNoDecryptionCredential))
}

func TestVerifyEmbeddedDocuments(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	e := newEngine(t, ca, Config{})

	unsigned := pkitest.MinimalPDF(pkitest.PDFOptions{})
	pdf, err := pdfsig.Sign(unsigned, id.Key, pdfsig.SignOptions{Hash: crypto.SHA256, Certificate: id.Cert})
	require.NoError(t, err)
	order := []byte(`<order xmlns="urn:order"><item>1</item></order>`)
	xml, err := xmldsig.Sign(order, id.Key, xmldsig.SignOptions{
		Hash:               crypto.SHA256,
		Certificate:        id.Cert,
		IncludeCertificate: true,
	})
	require.NoError(t, err)

	t.Run("pdf as signature", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{Signature: pdf}, Options{})
		assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
		assert.Equal(t, record.FormatPDFEmbedded, r.SignatureFormat)
	})

	t.Run("pdf as document", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{Document: pdf}, Options{})
		assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
	})

	t.Run("unsigned pdf", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{Signature: pkitest.MinimalPDF(pkitest.PDFOptions{})}, Options{})
		assert.Equal(t, record.DecodeFailed, r.VerifyOutcome)
	})

	t.Run("xml", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{Signature: xml}, Options{})
		assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
		assert.Equal(t, record.FormatXMLDSig, r.SignatureFormat)
		assert.NotContains(t, string(r.Document), "Signature")
	})

	t.Run("xml with its unsigned document", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{Document: order, Signature: xml}, Options{})
		assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
		assert.Equal(t, order, r.Document)
	})

	t.Run("xml with a different document", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{Document: []byte(`<order xmlns="urn:order"><item>2</item></order>`), Signature: xml}, Options{})
		assert.Equal(t, record.DataMismatch, r.VerifyOutcome)
		assert.Empty(t, r.Signers)
	})

	t.Run("xml with a document that is not xml", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{Document: []byte("plain text"), Signature: xml}, Options{})
		assert.Equal(t, record.DataMismatch, r.VerifyOutcome)
	})

	t.Run("pdf with its unsigned revision", func(t *testing.T) {
		r := verifyOne(t, e, &record.Record{Document: unsigned, Signature: pdf}, Options{})
		assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
	})

	t.Run("pdf with a different document", func(t *testing.T) {
		other := pkitest.MinimalPDF(pkitest.PDFOptions{Text: "another document"})
		r := verifyOne(t, e, &record.Record{Document: other, Signature: pdf}, Options{})
		assert.Equal(t, record.DataMismatch, r.VerifyOutcome)
		assert.Empty(t, r.Signers)
	})

	t.Run("tampered xml", func(t *testing.T) {
		tampered := []byte(strings.Replace(string(xml), "<item>1</item>", "<item>2</item>", 1))
		r := verifyOne(t, e, &record.Record{Signature: tampered}, Options{})
		assert.Equal(t, record.DataMismatch, r.VerifyOutcome)
	})
}

type fakeResigner struct {
	calls  int
	format record.SignatureFormat
	err    error
}

func (f *fakeResigner) Resign(_ context.Context, r *record.Record, format record.SignatureFormat, _ []byte) error {
	f.calls++
	f.format = format
	if f.err != nil {
		return f.err
	}
	r.Signature = []byte("replaced")
	return nil
}

func TestVerifyResign(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	doc := []byte("renew me")

	tests := []struct {
		name      string
		hash      crypto.Hash
		allow     bool
		resign    bool
		failWith  error
		want      record.VerifyOutcome
		wantCalls int
	}{
		{name: "resigned", hash: crypto.SHA256, allow: true, resign: true, want: record.SignatureValidResigned, wantCalls: 1},
		{name: "not allowed", hash: crypto.SHA256, resign: true, want: record.SignatureValid},
		{name: "not requested", hash: crypto.SHA256, allow: true, want: record.SignatureValid},
		{name: "expired algorithm wins", hash: crypto.SHA1, allow: true, resign: true, want: record.AlgorithmExpired},
		{name: "resign failure keeps result", hash: crypto.SHA256, allow: true, resign: true, failWith: errors.New("card removed"), want: record.SignatureValid, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &fakeResigner{err: tt.failWith}
			e := newEngine(t, ca, Config{Resigner: rs})
			r := verifyOne(t, e, &record.Record{
				Document:  doc,
				Signature: sign(t, id, doc, true, cms.SignerOptions{Hash: tt.hash, IncludeCertificate: true}),
				Resign:    tt.resign,
			}, Options{AllowResign: tt.allow})
			assert.Equal(t, tt.want, r.VerifyOutcome)
			assert.Equal(t, tt.wantCalls, rs.calls)
			if tt.want == record.SignatureValidResigned {
				assert.Equal(t, []byte("replaced"), r.Signature)
				assert.Equal(t, record.FormatPKCS7Detached, rs.format)
			}
		})
	}
}

func TestVerifyPrompt(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	doc := []byte("asked for")
	sig := sign(t, id, doc, true, cms.SignerOptions{IncludeCertificate: true})

	p := &prompt.Static{Files: map[prompt.Purpose][]byte{
		prompt.PurposeDocument:  doc,
		prompt.PurposeSignature: sig,
	}}
	e := newEngine(t, ca, Config{Prompter: p})

	r := verifyOne(t, e, &record.Record{Signature: sig}, Options{AllowPrompt: true})
	assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)

	r = verifyOne(t, e, &record.Record{}, Options{AllowPrompt: true})
	assert.Equal(t, record.SignatureValid, r.VerifyOutcome, "%v", r.Err)
	assert.Equal(t, sig, r.Signature)

	r = verifyOne(t, e, &record.Record{Signature: sig}, Options{})
	assert.Equal(t, record.NoData, r.VerifyOutcome)

	canceled := newEngine(t, ca, Config{Prompter: &prompt.Static{}})
	r = verifyOne(t, canceled, &record.Record{}, Options{AllowPrompt: true})
	assert.Equal(t, record.NoData, r.VerifyOutcome)
	assert.True(t, errors.Is(r.Err, prompt.ErrCanceled))
}

func TestVerifyPolicyCaveats(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	doc := []byte("policy checked")

	cfg := policy.DefaultConfig()
	cfg.Rules = []policy.CELExpression{
		{Name: "timestamped", Expr: `input.signers.all(s, s.timestamped)`, Message: "signature carries no timestamp"},
		{Name: "known-format", Expr: `input.format == "PKCS7_DETACHED"`},
	}
	pe, err := policy.NewEngine(cfg)
	require.NoError(t, err)
	e := newEngine(t, ca, Config{Policy: pe})

	r := verifyOne(t, e, &record.Record{Document: doc, Signature: sign(t, id, doc, true, cms.SignerOptions{IncludeCertificate: true})}, Options{})
	assert.Equal(t, record.SignatureValid, r.VerifyOutcome)
	assert.Equal(t, []string{"policy timestamped: signature carries no timestamp"}, r.Caveats)
}

func TestVerifyCanceled(t *testing.T) {
	ca := pkitest.NewAuthority(t, "verify root")
	e := newEngine(t, ca, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []*record.Record{{Document: []byte("a")}, {Document: []byte("b")}}
	outcomes, err := e.Verify(ctx, records, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []record.VerifyOutcome{record.VerifyError, record.VerifyError}, outcomes)
	for _, r := range records {
		assert.NotEmpty(t, r.ID)
	}
}
