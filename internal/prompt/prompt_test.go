package prompt

import (
	"bytes"
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	a := &x509.Certificate{Subject: pkix.Name{CommonName: "a"}}
	b := &x509.Certificate{Subject: pkix.Name{CommonName: "b"}}

	s := &Static{PINValue: "1234", Files: map[Purpose][]byte{PurposeDocument: []byte("doc")}, CertificateIndex: 1}

	pin, err := s.PIN(ctx, PINRequest{Label: "card"})
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)

	_, err = s.PIN(ctx, PINRequest{Retry: true})
	assert.True(t, errors.Is(err, ErrCanceled))

	cert, err := s.SelectCertificate(ctx, []*x509.Certificate{a, b})
	require.NoError(t, err)
	assert.Equal(t, "b", cert.Subject.CommonName)

	_, err = s.SelectCertificate(ctx, []*x509.Certificate{a})
	assert.True(t, errors.Is(err, ErrCanceled))

	data, err := s.SelectFile(ctx, PurposeDocument)
	require.NoError(t, err)
	assert.Equal(t, []byte("doc"), data)

	_, err = s.SelectFile(ctx, PurposeSignature)
	assert.True(t, errors.Is(err, ErrCanceled))
}

func TestStaticNilAndCanceled(t *testing.T) {
	var s *Static
	_, err := s.PIN(context.Background(), PINRequest{})
	assert.True(t, errors.Is(err, ErrCanceled))
	_, err = s.SelectFile(context.Background(), PurposeDocument)
	assert.True(t, errors.Is(err, ErrCanceled))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Static{PINValue: "1"}).PIN(ctx, PINRequest{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTerminalNonInteractive(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(docPath, []byte("hello"), 0o600))

	in, err := os.CreateTemp(dir, "stdin")
	require.NoError(t, err)
	_, err = in.WriteString(docPath + "\n2\n")
	require.NoError(t, err)
	_, err = in.Seek(0, 0)
	require.NoError(t, err)
	defer in.Close()

	var out bytes.Buffer
	term := &Terminal{In: in, Out: &out}
	assert.False(t, term.Interactive())

	_, err = term.PIN(context.Background(), PINRequest{})
	assert.True(t, errors.Is(err, ErrCanceled))

	data, err := term.SelectFile(context.Background(), PurposeDocument)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	a := &x509.Certificate{Subject: pkix.Name{CommonName: "a"}}
	b := &x509.Certificate{Subject: pkix.Name{CommonName: "b"}}
	cert, err := term.SelectCertificate(context.Background(), []*x509.Certificate{a, b})
	require.NoError(t, err)
	assert.Equal(t, "b", cert.Subject.CommonName)
	assert.Contains(t, out.String(), "1) a")

	// Input exhausted.
	_, err = term.SelectFile(context.Background(), PurposeSignature)
	assert.True(t, errors.Is(err, ErrCanceled))
}
