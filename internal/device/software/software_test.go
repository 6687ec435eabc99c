package software

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/pkitest"
	"github.com/open-verix/secsign/internal/prompt"
)

func TestOpenPKCS12(t *testing.T) {
	ca := pkitest.NewAuthority(t, "software root")
	id := ca.Issue(t, pkitest.IssueOptions{CommonName: "holder"})
	path := filepath.Join(t.TempDir(), "holder.p12")
	require.NoError(t, WritePKCS12(path, id.Key, id.Cert, nil, "1234"))

	cred, err := NewDriver().Open(context.Background(), device.Options{PKCS12Path: path}, &prompt.Static{PINValue: "1234"})
	require.NoError(t, err)
	defer cred.Close()

	res := cred.InitResult()
	assert.True(t, res.SigningCertificate.Equal(id.Cert))
	assert.True(t, res.DecryptionCertificate.Equal(id.Cert))

	signer, err := cred.Signer(context.Background())
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("data"))
	_, err = signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)

	_, err = cred.Decrypter(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, DriverName, cred.Info().Driver)
	assert.Equal(t, device.DefaultHashes(), cred.SupportedHashes())
}

func TestOpenPKCS12WrongPIN(t *testing.T) {
	ca := pkitest.NewAuthority(t, "software root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	path := filepath.Join(t.TempDir(), "holder.p12")
	require.NoError(t, WritePKCS12(path, id.Key, id.Cert, nil, "1234"))

	// Static cancels on retry, so a bad PIN surfaces as a cancellation.
	_, err := NewDriver().Open(context.Background(), device.Options{PKCS12Path: path}, &prompt.Static{PINValue: "0000"})
	assert.True(t, errors.Is(err, prompt.ErrCanceled), "got %v", err)

	_, err = NewDriver().Open(context.Background(), device.Options{PKCS12Path: path}, nil)
	assert.True(t, errors.Is(err, prompt.ErrCanceled))
}

func TestChangeCredential(t *testing.T) {
	ca := pkitest.NewAuthority(t, "software root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	path := filepath.Join(t.TempDir(), "holder.p12")
	require.NoError(t, WritePKCS12(path, id.Key, id.Cert, []*x509.Certificate{ca.Cert}, "1234"))

	ctx := context.Background()
	cred, err := NewDriver().Open(ctx, device.Options{PKCS12Path: path, PIN: "1234"}, nil)
	require.NoError(t, err)

	assert.True(t, errors.Is(cred.ChangeCredential(ctx, "9999", "5678"), device.ErrWrongPIN))
	require.NoError(t, cred.ChangeCredential(ctx, "1234", "5678"))
	require.NoError(t, cred.Close())

	_, err = cred.Signer(ctx)
	assert.True(t, errors.Is(err, device.ErrClosed))

	reopened, err := NewDriver().Open(ctx, device.Options{PKCS12Path: path, PIN: "5678"}, nil)
	require.NoError(t, err)
	assert.Len(t, reopened.InitResult().Chain, 1)
}

func TestOpenPEM(t *testing.T) {
	ca := pkitest.NewAuthority(t, "software root")
	id := ca.Issue(t, pkitest.IssueOptions{ECDSA: true})
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	require.NoError(t, WritePEM(keyPath, certPath, id.Key, id.Cert, []*x509.Certificate{ca.Cert}))

	ctx := context.Background()
	cred, err := NewDriver().Open(ctx, device.Options{KeyPath: keyPath, CertPath: certPath}, nil)
	require.NoError(t, err)
	assert.True(t, cred.InitResult().SigningCertificate.Equal(id.Cert))
	assert.Len(t, cred.InitResult().Chain, 1)

	_, err = cred.Decrypter(ctx)
	assert.True(t, errors.Is(err, device.ErrUnsupported))
	assert.True(t, errors.Is(cred.ChangeCredential(ctx, "a", "b"), device.ErrUnsupported))
}

func TestOpenErrors(t *testing.T) {
	ca := pkitest.NewAuthority(t, "software root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	other := ca.Issue(t, pkitest.IssueOptions{FreshKey: true})
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	require.NoError(t, WritePEM(keyPath, certPath, other.Key, id.Cert, nil))

	tests := []struct {
		name string
		opts device.Options
	}{
		{name: "nothing configured", opts: device.Options{}},
		{name: "missing file", opts: device.Options{PKCS12Path: filepath.Join(dir, "absent.p12")}},
		{name: "mismatched key", opts: device.Options{KeyPath: keyPath, CertPath: certPath}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDriver().Open(context.Background(), tt.opts, nil)
			assert.Error(t, err)
		})
	}
}
