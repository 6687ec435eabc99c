package policy

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/record"
)

func date(s string) time.Time {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestHashExpiry(t *testing.T) {
	p := DefaultAlgorithmPolicy()

	at, ok := p.HashExpiry(crypto.SHA1)
	require.True(t, ok)
	assert.Equal(t, date("2016-01-01"), at)

	_, ok = p.HashExpiry(crypto.SHA256)
	assert.False(t, ok)
}

func TestKeyExpiry(t *testing.T) {
	p := DefaultAlgorithmPolicy()

	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	at, ok := p.KeyExpiry(&small.PublicKey)
	require.True(t, ok)
	assert.Equal(t, date("2014-01-01"), at)

	big, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, ok = p.KeyExpiry(&big.PublicKey)
	assert.False(t, ok)

	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, ok = p.KeyExpiry(&ec.PublicKey)
	assert.False(t, ok)
}

func TestExpiredAt(t *testing.T) {
	p := DefaultAlgorithmPolicy()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, expired := p.ExpiredAt(crypto.SHA1, &key.PublicKey, date("2015-06-01"))
	assert.False(t, expired)

	e, expired := p.ExpiredAt(crypto.SHA1, &key.PublicKey, date("2020-01-01"))
	assert.True(t, expired)
	assert.Contains(t, e.Reason, "SHA1")

	_, expired = p.ExpiredAt(crypto.SHA256, &key.PublicKey, time.Now())
	assert.False(t, expired)
}

func TestSelectHash(t *testing.T) {
	p := DefaultAlgorithmPolicy()
	now := time.Now()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name      string
		pub       crypto.PublicKey
		supported []crypto.Hash
		want      crypto.Hash
		wantErr   bool
	}{
		{name: "rsa any", pub: &rsaKey.PublicKey, want: crypto.SHA512},
		{name: "rsa limited device", pub: &rsaKey.PublicKey, supported: []crypto.Hash{crypto.SHA1, crypto.SHA256}, want: crypto.SHA256},
		{name: "ecdsa curve match", pub: &p384.PublicKey, want: crypto.SHA384},
		{name: "only expired", pub: &rsaKey.PublicKey, supported: []crypto.Hash{crypto.SHA1}, wantErr: true},
		{name: "fallback outside preference", pub: &rsaKey.PublicKey, supported: []crypto.Hash{crypto.SHA224}, want: crypto.SHA224},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.SelectHash(tt.pub, tt.supported, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
version: v1
algorithms:
  hashes:
    SHA1: "2016-01-01"
    SHA-256: "2040-01-01"
  preference: [SHA384]
rules:
  - name: no-caveats
    expr: 'input.outcome != "SIGNATURE_VALID" || size(input.caveats) == 0'
    message: signature verified with caveats
`))
	require.NoError(t, err)
	assert.Len(t, cfg.Rules, 1)
	at, ok := cfg.Algorithms.HashExpiry(crypto.SHA256)
	require.True(t, ok)
	assert.Equal(t, 2040, at.Year())

	_, err = ParseConfig([]byte("version: v2\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("version: v1\nalgorithms:\n  hashes:\n    SHA1: yesterday\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("version: v1\nrules:\n  - name: bad\n    expr: '1'\n"))
	assert.Error(t, err)

	cfg, err = ParseConfig([]byte("version: v1\n"))
	require.NoError(t, err)
	assert.NotNil(t, cfg.Algorithms)
}

func TestSaveAndLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "policy.yaml")

	cfg := DefaultConfig()
	cfg.Rules = []CELExpression{{Name: "valid", Expr: `input.outcome == "SIGNATURE_VALID"`}}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Rules, loaded.Rules)
	assert.Equal(t, cfg.Algorithms.Preference, loaded.Algorithms.Preference)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "v1", cfg.Version)
	assert.Empty(t, cfg.Rules)
}

func TestEngineEvaluate(t *testing.T) {
	engine, err := NewEngine(&Config{
		Version:    "v1",
		Algorithms: DefaultAlgorithmPolicy(),
		Rules: []CELExpression{
			{Name: "no-caveats", Expr: `input.outcome != "SIGNATURE_VALID" || size(input.caveats) == 0`, Message: "signature verified with caveats"},
			{Name: "strong-hash", Expr: `input.signers.all(s, s.hash != "SHA1")`},
		},
	})
	require.NoError(t, err)

	clean := &record.Record{
		ID:            "r1",
		VerifyOutcome: record.SignatureValid,
		Signers:       []record.SignerReport{{HashAlgorithm: "SHA256", Outcome: record.SignatureValid}},
	}
	res, err := engine.Evaluate(context.Background(), clean)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "r1", res.RecordID)

	flagged := &record.Record{
		ID:            "r2",
		VerifyOutcome: record.SignatureValid,
		Caveats:       []string{"OCSP responder unreachable"},
		Signers:       []record.SignerReport{{HashAlgorithm: "SHA1", Outcome: record.SignatureValid}},
	}
	res, err = engine.Evaluate(context.Background(), flagged)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, "signature verified with caveats", res.Violations[0].Message)
	assert.Equal(t, "rule strong-hash not satisfied", res.Violations[1].Message)

	_, err = engine.Evaluate(context.Background(), nil)
	assert.Error(t, err)
}

func TestEngineWithoutRules(t *testing.T) {
	engine, err := NewEngine(nil)
	require.NoError(t, err)
	res, err := engine.Evaluate(context.Background(), &record.Record{ID: "x"})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.NotNil(t, engine.Algorithms())
}
