// Package pkitest builds throwaway certificate hierarchies, OCSP responders
// and timestamp authorities for tests.
package pkitest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

var (
	keyPool   []*rsa.PrivateKey
	keyPoolMu sync.Mutex
	serialSeq int64 = 1000
)

// rsaKey hands out 2048-bit keys, reusing a small pool so test suites do not
// spend their time in key generation.
func rsaKey(t testing.TB, fresh bool) *rsa.PrivateKey {
	t.Helper()
	keyPoolMu.Lock()
	defer keyPoolMu.Unlock()

	if !fresh && len(keyPool) >= 6 {
		k := keyPool[0]
		keyPool = append(keyPool[1:], k)
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPool = append(keyPool, k)
	return k
}

func nextSerial() *big.Int {
	return big.NewInt(atomic.AddInt64(&serialSeq, 1))
}

// Identity is a certificate and its private key.
type Identity struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// CertPEM returns the certificate in PEM form.
func (id *Identity) CertPEM(t testing.TB) []byte {
	t.Helper()
	out, err := cryptoutils.MarshalCertificateToPEM(id.Cert)
	require.NoError(t, err)
	return out
}

// KeyPEM returns the private key in PEM form.
func (id *Identity) KeyPEM(t testing.TB) []byte {
	t.Helper()
	out, err := cryptoutils.MarshalPrivateKeyToPEM(id.Key)
	require.NoError(t, err)
	return out
}

// Authority is a self-signed root CA.
type Authority struct {
	Identity
}

// NewAuthority creates a root CA valid for ten years around now.
func NewAuthority(t testing.TB, name string) *Authority {
	t.Helper()
	key := rsaKey(t, false)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"secsign test"}},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Authority{Identity{Cert: cert, Key: key}}
}

// Pool returns a pool holding only this root.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return pool
}

// IssueOptions shapes a leaf certificate.
type IssueOptions struct {
	CommonName  string
	NotBefore   time.Time
	NotAfter    time.Time
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	OCSPServer  []string
	ECDSA       bool
	FreshKey    bool
}

// Issue creates a leaf certificate signed by the authority. Zero fields
// default to a one-year signing certificate.
func (a *Authority) Issue(t testing.TB, opts IssueOptions) *Identity {
	t.Helper()
	if opts.CommonName == "" {
		opts.CommonName = "signer"
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().AddDate(1, 0, 0)
	}
	if opts.KeyUsage == 0 {
		opts.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment
	}
	if opts.ExtKeyUsage == nil {
		opts.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageClientAuth}
	}

	var key crypto.Signer
	if opts.ECDSA {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		key = k
	} else {
		key = rsaKey(t, opts.FreshKey)
	}

	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      pkix.Name{CommonName: opts.CommonName, Organization: []string{"secsign test"}},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     opts.KeyUsage,
		ExtKeyUsage:  opts.ExtKeyUsage,
		OCSPServer:   opts.OCSPServer,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, key.Public(), a.Key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Identity{Cert: cert, Key: key}
}

// IssueTSA creates a timestamping certificate.
func (a *Authority) IssueTSA(t testing.TB) *Identity {
	t.Helper()
	return a.Issue(t, IssueOptions{
		CommonName:  "tsa",
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
}

// OCSPResponder answers OCSP requests for certificates issued by a. Serials
// listed in revoked are reported revoked at the given time; everything else
// is good. Calls counts requests served.
type OCSPResponder struct {
	*httptest.Server
	Calls   int64
	mu      sync.Mutex
	revoked map[string]time.Time
	unknown map[string]bool
}

// Revoke marks serial as revoked at the given time.
func (r *OCSPResponder) Revoke(serial *big.Int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[serial.String()] = at
}

// MarkUnknown makes the responder answer Unknown for serial.
func (r *OCSPResponder) MarkUnknown(serial *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknown[serial.String()] = true
}

// NewOCSPResponder starts an httptest OCSP responder signed by the authority.
func (a *Authority) NewOCSPResponder(t testing.TB) *OCSPResponder {
	t.Helper()
	r := &OCSPResponder{revoked: map[string]time.Time{}, unknown: map[string]bool{}}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&r.Calls, 1)
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ocspReq, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tmpl := ocsp.Response{
			Status:       ocsp.Good,
			SerialNumber: ocspReq.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		r.mu.Lock()
		if at, ok := r.revoked[ocspReq.SerialNumber.String()]; ok {
			tmpl.Status = ocsp.Revoked
			tmpl.RevokedAt = at
			tmpl.RevocationReason = ocsp.KeyCompromise
		} else if r.unknown[ocspReq.SerialNumber.String()] {
			tmpl.Status = ocsp.Unknown
		}
		r.mu.Unlock()

		resp, err := ocsp.CreateResponse(a.Cert, a.Cert, tmpl, a.Key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
	t.Cleanup(r.Close)
	return r
}

// Timestamp issues an RFC 3161 token over data, signed by tsa.
func Timestamp(t testing.TB, tsa *Identity, data []byte, h crypto.Hash, at time.Time) []byte {
	t.Helper()
	digest := h.New()
	digest.Write(data)
	return timestampDigest(t, tsa, digest.Sum(nil), h, at, nil)
}

func timestampDigest(t testing.TB, tsa *Identity, digest []byte, h crypto.Hash, at time.Time, nonce *big.Int) []byte {
	t.Helper()
	ts := timestamp.Timestamp{
		HashAlgorithm:     h,
		HashedMessage:     digest,
		Time:              at,
		Nonce:             nonce,
		Policy:            asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1},
		SerialNumber:      nextSerial(),
		Accuracy:          time.Second,
		AddTSACertificate: true,
	}
	resp, err := ts.CreateResponseWithOpts(tsa.Cert, tsa.Key, crypto.SHA256)
	require.NoError(t, err)
	parsed, err := timestamp.ParseResponse(resp)
	require.NoError(t, err)
	return parsed.RawToken
}

// NewTSAServer starts an RFC 3161 responder backed by tsa.
func NewTSAServer(t testing.TB, tsa *Identity) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tsReq, err := timestamp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts := timestamp.Timestamp{
			HashAlgorithm:     tsReq.HashAlgorithm,
			HashedMessage:     tsReq.HashedMessage,
			Time:              time.Now(),
			Nonce:             tsReq.Nonce,
			Policy:            asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1},
			SerialNumber:      nextSerial(),
			Accuracy:          time.Second,
			AddTSACertificate: true,
		}
		resp, err := ts.CreateResponseWithOpts(tsa.Cert, tsa.Key, crypto.SHA256)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}
