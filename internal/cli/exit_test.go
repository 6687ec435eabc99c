package cli

import (
	"errors"
	"testing"

	"github.com/open-verix/secsign/internal/session"
)

func results(outcomes ...string) []session.Result {
	out := make([]session.Result, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, session.Result{
			Outcome:    o,
			Successful: o == "SIGNATURE_VALID" || o == "SIGNATURE_VALID_RESIGNED" || o == "SIGNED",
		})
	}
	return out
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "verified batch exits 0",
			err:      nil,
			expected: ExitSuccess,
		},
		{
			name:     "verify with mismatched records exits 2",
			err:      exitForResults("verify", results("SIGNATURE_VALID", "DATA_MISMATCH", "SIGNATURE_VALID", "ERROR", "SIGNATURE_VALID")),
			expected: ExitPartialSuccess,
		},
		{
			name:     "sign with no usable credential exits 1",
			err:      &ExitError{Code: ExitFatal, Err: errors.New("sign: no signing credential on the device")},
			expected: ExitFatal,
		},
		{
			name:     "session setup failure exits 1",
			err:      errors.New("open session: device not found"),
			expected: ExitFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExitCode(tt.err)
			if got != tt.expected {
				t.Errorf("ExitCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestGetExitCodeName(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{ExitSuccess, "Success"},
		{ExitFatal, "Fatal Error"},
		{ExitPartialSuccess, "Partial Success"},
		{3, "Unknown (3)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := GetExitCodeName(tt.code)
			if got != tt.expected {
				t.Errorf("GetExitCodeName(%d) = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}

func TestExitForResults(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		results  []session.Result
		expected int
		message  string
	}{
		{"every signature valid", "verify", results("SIGNATURE_VALID", "SIGNATURE_VALID_RESIGNED"), ExitSuccess, ""},
		{"empty batch", "verify", nil, ExitSuccess, ""},
		{
			name:     "two of five records failed",
			op:       "verify",
			results:  results("SIGNATURE_VALID", "DATA_MISMATCH", "SIGNATURE_VALID", "SIGNATURE_VALID_CERT_REVOKED", "SIGNATURE_VALID"),
			expected: ExitPartialSuccess,
			message:  "verify: 2 of 5 records failed",
		},
		{
			name:     "no record could be signed",
			op:       "sign",
			results:  results("ERROR", "ERROR", "ERROR"),
			expected: ExitFatal,
			message:  "sign: all 3 records failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitForResults(tt.op, tt.results)
			if got := ExitCode(err); got != tt.expected {
				t.Errorf("exitForResults() exit code = %d, want %d", got, tt.expected)
			}
			if tt.message == "" {
				if err != nil {
					t.Errorf("exitForResults() = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.message {
				t.Errorf("exitForResults() error = %v, want %q", err, tt.message)
			}
		})
	}
}

func TestExitErrorUnwrap(t *testing.T) {
	cause := errors.New("verify: record 3: unreadable signature file")
	err := error(&ExitError{Code: ExitFatal, Err: cause})
	if !errors.Is(err, cause) {
		t.Error("ExitError should unwrap to its cause")
	}
	if got := (&ExitError{Code: ExitSuccess}).Error(); got != "" {
		t.Errorf("ExitError without cause = %q, want empty", got)
	}
}
