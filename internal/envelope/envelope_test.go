package envelope

import (
	"crypto"
	"crypto/x509"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/cms"
	"github.com/open-verix/secsign/internal/pkitest"
)

func TestRoundTrip(t *testing.T) {
	ca := pkitest.NewAuthority(t, "envelope root")
	alice := ca.Issue(t, pkitest.IssueOptions{CommonName: "alice", FreshKey: true})
	bob := ca.Issue(t, pkitest.IssueOptions{CommonName: "bob", FreshKey: true})
	data := []byte("quarterly numbers")

	container, err := Encrypt(data, []*x509.Certificate{alice.Cert, bob.Cert})
	require.NoError(t, err)
	assert.True(t, cms.IsEnvelopedData(container))

	for _, id := range []*pkitest.Identity{alice, bob} {
		plain, signed, err := Decrypt(container, id.Cert, id.Key.(crypto.Decrypter))
		require.NoError(t, err)
		assert.Equal(t, data, plain)
		assert.False(t, signed)
	}
}

func TestSignedPayload(t *testing.T) {
	ca := pkitest.NewAuthority(t, "envelope root")
	id := ca.Issue(t, pkitest.IssueOptions{})

	sig, err := cms.Sign([]byte("hello"), false, id.Key, cms.SignerOptions{Hash: crypto.SHA256, Certificate: id.Cert, IncludeCertificate: true})
	require.NoError(t, err)
	container, err := Encrypt(sig, []*x509.Certificate{id.Cert})
	require.NoError(t, err)

	plain, signed, err := Decrypt(container, id.Cert, id.Key.(crypto.Decrypter))
	require.NoError(t, err)
	assert.True(t, signed)
	assert.Equal(t, sig, plain)
}

func TestEncryptErrors(t *testing.T) {
	ca := pkitest.NewAuthority(t, "envelope root")
	ec := ca.Issue(t, pkitest.IssueOptions{ECDSA: true})
	signOnly := ca.Issue(t, pkitest.IssueOptions{KeyUsage: x509.KeyUsageDigitalSignature})

	tests := []struct {
		name       string
		recipients []*x509.Certificate
		want       error
	}{
		{name: "none", recipients: nil, want: ErrNoRecipients},
		{name: "ecdsa", recipients: []*x509.Certificate{ec.Cert}, want: ErrInvalidRecipient},
		{name: "signing only", recipients: []*x509.Certificate{signOnly.Cert}, want: ErrInvalidRecipient},
		{name: "nil cert", recipients: []*x509.Certificate{nil}, want: ErrInvalidRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encrypt([]byte("x"), tt.recipients)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecryptErrors(t *testing.T) {
	ca := pkitest.NewAuthority(t, "envelope root")
	alice := ca.Issue(t, pkitest.IssueOptions{CommonName: "alice", FreshKey: true})
	mallory := ca.Issue(t, pkitest.IssueOptions{CommonName: "mallory", FreshKey: true})

	container, err := Encrypt([]byte("secret"), []*x509.Certificate{alice.Cert})
	require.NoError(t, err)

	_, _, err = Decrypt(container, mallory.Cert, mallory.Key.(crypto.Decrypter))
	assert.True(t, errors.Is(err, ErrNotRecipient), "got %v", err)

	_, _, err = Decrypt([]byte("garbage"), alice.Cert, alice.Key.(crypto.Decrypter))
	assert.True(t, errors.Is(err, ErrNotEnveloped))

	_, _, err = Decrypt(container, nil, nil)
	assert.Error(t, err)
}
