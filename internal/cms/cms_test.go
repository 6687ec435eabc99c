package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/pkitest"
)

func TestSignAndVerify(t *testing.T) {
	ca := pkitest.NewAuthority(t, "cms root")
	rsaSigner := ca.Issue(t, pkitest.IssueOptions{CommonName: "rsa signer"})
	ecSigner := ca.Issue(t, pkitest.IssueOptions{CommonName: "ec signer", ECDSA: true})
	content := []byte("the quick brown fox")

	tests := []struct {
		name     string
		signer   *pkitest.Identity
		hash     crypto.Hash
		pss      bool
		detached bool
	}{
		{name: "rsa pkcs1 detached sha256", signer: rsaSigner, hash: crypto.SHA256, detached: true},
		{name: "rsa pss embedded sha512", signer: rsaSigner, hash: crypto.SHA512, pss: true},
		{name: "rsa pss detached sha384", signer: rsaSigner, hash: crypto.SHA384, pss: true, detached: true},
		{name: "ecdsa embedded sha256", signer: ecSigner, hash: crypto.SHA256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der, err := Sign(content, tt.detached, tt.signer.Key, SignerOptions{
				Hash:               tt.hash,
				PSS:                tt.pss,
				Certificate:        tt.signer.Cert,
				IncludeCertificate: true,
			})
			require.NoError(t, err)
			assert.True(t, IsSignedData(der))
			assert.False(t, IsEnvelopedData(der))

			sd, err := Parse(der)
			require.NoError(t, err)
			assert.Equal(t, tt.detached, sd.Detached())
			require.Len(t, sd.Signers, 1)
			require.Len(t, sd.Certificates, 1)

			si := sd.Signers[0]
			assert.Equal(t, tt.hash, si.Hash)
			assert.Equal(t, tt.pss, si.IsPSS())
			require.NotNil(t, si.SigningTime)

			cert := sd.FindCertificate(si, nil)
			require.NotNil(t, cert)

			var verifyContent []byte
			if tt.detached {
				verifyContent = content
			} else {
				assert.Equal(t, content, sd.Content)
			}
			require.NoError(t, sd.Verify(si, verifyContent, cert))

			err = sd.Verify(si, []byte("something else"), cert)
			assert.True(t, errors.Is(err, ErrDigestMismatch), "got %v", err)
		})
	}
}

func TestVerifyDetectsTamperedSignature(t *testing.T) {
	ca := pkitest.NewAuthority(t, "cms root")
	id := ca.Issue(t, pkitest.IssueOptions{})

	der, err := Sign([]byte("payload"), true, id.Key, SignerOptions{Hash: crypto.SHA256, Certificate: id.Cert})
	require.NoError(t, err)

	sd, err := Parse(der)
	require.NoError(t, err)
	si := sd.Signers[0]
	si.Signature[len(si.Signature)-1] ^= 0xff

	err = sd.Verify(si, []byte("payload"), id.Cert)
	assert.True(t, errors.Is(err, ErrSignatureInvalid), "got %v", err)
}

func TestVerifyWithExternalCertificate(t *testing.T) {
	ca := pkitest.NewAuthority(t, "cms root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	other := ca.Issue(t, pkitest.IssueOptions{CommonName: "other"})

	der, err := Sign([]byte("payload"), true, id.Key, SignerOptions{Hash: crypto.SHA256, Certificate: id.Cert})
	require.NoError(t, err)

	sd, err := Parse(der)
	require.NoError(t, err)
	assert.Empty(t, sd.Certificates)

	si := sd.Signers[0]
	assert.Nil(t, sd.FindCertificate(si, []*x509.Certificate{other.Cert}))
	cert := sd.FindCertificate(si, []*x509.Certificate{other.Cert, id.Cert})
	require.NotNil(t, cert)
	assert.NoError(t, sd.Verify(si, []byte("payload"), cert))

	err = sd.Verify(si, []byte("payload"), other.Cert)
	assert.True(t, errors.Is(err, ErrSignerNotFound))
}

func TestAddSignerPreservesExistingSigners(t *testing.T) {
	ca := pkitest.NewAuthority(t, "cms root")
	first := ca.Issue(t, pkitest.IssueOptions{CommonName: "first"})
	second := ca.Issue(t, pkitest.IssueOptions{CommonName: "second", ECDSA: true})
	content := []byte("contract text")

	for _, detached := range []bool{true, false} {
		original, err := Sign(content, detached, first.Key, SignerOptions{
			Hash: crypto.SHA256, PSS: true, Certificate: first.Cert, IncludeCertificate: true,
		})
		require.NoError(t, err)

		origParsed, err := Parse(original)
		require.NoError(t, err)
		origSignerDER := origParsed.raw.SignerInfos[0].RawContent

		var addContent []byte
		if detached {
			addContent = content
		}
		combined, err := AddSigner(original, addContent, second.Key, SignerOptions{
			Hash: crypto.SHA384, Certificate: second.Cert, IncludeCertificate: true,
		})
		require.NoError(t, err)

		sd, err := Parse(combined)
		require.NoError(t, err)
		require.Len(t, sd.Signers, 2)
		assert.Len(t, sd.Certificates, 2)

		assert.True(t, bytes.Equal(sd.raw.SignerInfos[0].RawContent, origSignerDER), "original signer entry must be carried over unchanged and first")
		assert.Equal(t, crypto.SHA256, sd.Signers[0].Hash)
		assert.Equal(t, crypto.SHA384, sd.Signers[1].Hash)
		assert.True(t, sd.Signers[0].IsPSS())

		for _, si := range sd.Signers {
			cert := sd.FindCertificate(si, nil)
			require.NotNil(t, cert)
			assert.NoError(t, sd.Verify(si, addContent, cert))
		}
	}
}

func TestAddSignerDetachedNeedsContent(t *testing.T) {
	ca := pkitest.NewAuthority(t, "cms root")
	id := ca.Issue(t, pkitest.IssueOptions{})

	der, err := Sign([]byte("x"), true, id.Key, SignerOptions{Hash: crypto.SHA256, Certificate: id.Cert})
	require.NoError(t, err)

	_, err = AddSigner(der, nil, id.Key, SignerOptions{Hash: crypto.SHA256, Certificate: id.Cert})
	assert.True(t, errors.Is(err, ErrDetachedContentRequired))
}

func TestParseFailures(t *testing.T) {
	_, err := Parse(nil)
	assert.True(t, errors.Is(err, ErrEmpty))

	_, err = Parse([]byte("definitely not asn1"))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = AddSigner([]byte{0x30, 0x03, 0x02, 0x01}, []byte("x"), nil, SignerOptions{})
	assert.Error(t, err)
}

func TestParsePEM(t *testing.T) {
	ca := pkitest.NewAuthority(t, "cms root")
	id := ca.Issue(t, pkitest.IssueOptions{})

	der, err := Sign([]byte("x"), false, id.Key, SignerOptions{Hash: crypto.SHA256, Certificate: id.Cert, IncludeCertificate: true})
	require.NoError(t, err)

	armored := pem.EncodeToMemory(&pem.Block{Type: "PKCS7", Bytes: der})
	sd, err := Parse(armored)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), sd.Content)
}

func TestTimestampAttribute(t *testing.T) {
	ca := pkitest.NewAuthority(t, "cms root")
	id := ca.Issue(t, pkitest.IssueOptions{})
	tsa := ca.IssueTSA(t)

	var stamped []byte
	der, err := Sign([]byte("x"), true, id.Key, SignerOptions{
		Hash:        crypto.SHA256,
		Certificate: id.Cert,
		Timestamper: func(sig []byte) ([]byte, error) {
			stamped = sig
			return pkitest.Timestamp(t, tsa, sig, crypto.SHA256, time.Now()), nil
		},
	})
	require.NoError(t, err)

	sd, err := Parse(der)
	require.NoError(t, err)
	si := sd.Signers[0]
	assert.Equal(t, stamped, si.Signature)
	assert.NotEmpty(t, si.TimestampToken)
	assert.NoError(t, sd.Verify(si, []byte("x"), id.Cert))
}

func TestSignRejectsBadOptions(t *testing.T) {
	ca := pkitest.NewAuthority(t, "cms root")
	ec := ca.Issue(t, pkitest.IssueOptions{ECDSA: true})

	_, err := Sign([]byte("x"), true, ec.Key, SignerOptions{Hash: crypto.SHA256, PSS: true, Certificate: ec.Cert})
	assert.True(t, errors.Is(err, ErrUnsupportedAlgorithm))

	_, err = Sign([]byte("x"), true, ec.Key, SignerOptions{Hash: crypto.SHA256})
	assert.Error(t, err)
}
