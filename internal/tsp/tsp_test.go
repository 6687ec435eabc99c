package tsp

import (
	"context"
	"crypto"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/pkitest"
	"github.com/open-verix/secsign/internal/policy"
	"github.com/open-verix/secsign/internal/record"
)

func TestVerify(t *testing.T) {
	ca := pkitest.NewAuthority(t, "tsa root")
	other := pkitest.NewAuthority(t, "rogue root")
	tsa := ca.IssueTSA(t)
	rogue := other.IssueTSA(t)
	data := []byte("document bytes")
	v := NewValidator(ca.Pool(), nil)

	tests := []struct {
		name   string
		token  []byte
		data   []byte
		want   Status
		reason string
	}{
		{name: "valid", token: pkitest.Timestamp(t, tsa, data, crypto.SHA256, time.Now()), data: data, want: StatusValid},
		{name: "other data", token: pkitest.Timestamp(t, tsa, data, crypto.SHA256, time.Now()), data: []byte("changed"), want: StatusInvalid, reason: "does not cover"},
		{name: "untrusted tsa", token: pkitest.Timestamp(t, rogue, data, crypto.SHA256, time.Now()), data: data, want: StatusInvalid, reason: "untrusted"},
		{name: "garbage", token: []byte("not a token"), data: data, want: StatusInvalid, reason: "malformed"},
		{name: "empty", data: data, want: StatusInvalid, reason: "empty"},
		{name: "expired hash", token: pkitest.Timestamp(t, tsa, data, crypto.SHA1, time.Now()), data: data, want: StatusAlgorithmExpired, reason: "SHA1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := v.Verify(tt.token, tt.data)
			assert.Equal(t, tt.want, report.Status, report.Reason)
			if tt.reason != "" {
				assert.Contains(t, report.Reason, tt.reason)
			}
		})
	}
}

func TestReportOutcome(t *testing.T) {
	assert.Equal(t, record.TimestampValid, (&Report{Status: StatusValid}).Outcome())
	assert.Equal(t, record.TimestampInvalid, (&Report{Status: StatusInvalid}).Outcome())
	assert.Equal(t, record.AlgorithmExpired, (&Report{Status: StatusAlgorithmExpired}).Outcome())
}

func TestAnchor(t *testing.T) {
	ca := pkitest.NewAuthority(t, "tsa root")
	tsa := ca.IssueTSA(t)
	data := []byte("signature value")
	v := NewValidator(ca.Pool(), policy.DefaultAlgorithmPolicy())

	stampedAt := time.Now().Add(-time.Minute).Truncate(time.Second)
	token := pkitest.Timestamp(t, tsa, data, crypto.SHA256, stampedAt)

	at, ok := v.Anchor(time.Now().Add(24*time.Hour), data, nil, []byte("junk"), token)
	require.True(t, ok)
	assert.True(t, at.Equal(stampedAt))

	_, ok = v.Anchor(stampedAt.Add(-time.Hour), data, token)
	assert.False(t, ok)

	_, ok = v.Anchor(time.Now().Add(24*time.Hour), []byte("other"), token)
	assert.False(t, ok)

	weak := pkitest.Timestamp(t, tsa, data, crypto.SHA1, stampedAt)
	_, ok = v.Anchor(time.Now().Add(24*time.Hour), data, weak)
	assert.False(t, ok, "a token using an expired hash cannot anchor anything")

	gen, err := v.GenTime(weak, data)
	require.NoError(t, err)
	assert.True(t, gen.Equal(stampedAt))
}

func TestClientStamp(t *testing.T) {
	ca := pkitest.NewAuthority(t, "tsa root")
	tsa := ca.IssueTSA(t)
	srv := pkitest.NewTSAServer(t, tsa)

	client, err := NewClient(ClientConfig{URL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	data := []byte("to be stamped")
	token, err := client.Stamp(context.Background(), data)
	require.NoError(t, err)

	report := NewValidator(ca.Pool(), nil).Verify(token, data)
	assert.Equal(t, StatusValid, report.Status, report.Reason)
	assert.WithinDuration(t, time.Now(), report.Time, time.Minute)
}

func TestClientFailures(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusBadGateway)
	}))
	defer down.Close()

	client, err := NewClient(ClientConfig{URL: down.URL})
	require.NoError(t, err)
	_, err = client.Stamp(context.Background(), []byte("x"))
	assert.True(t, errors.Is(err, ErrTSAUnavailable), "got %v", err)
}
