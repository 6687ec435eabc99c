package cli

import (
	"fmt"

	"github.com/open-verix/secsign/internal/session"
)

// ExitError represents a CLI error with an explicit exit code.
// Codes:
//
//	0 - success
//	1 - fatal error
//	2 - partial success (some records did not reach a successful outcome)
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exit codes
const (
	ExitSuccess        = 0
	ExitFatal          = 1
	ExitPartialSuccess = 2
)

// ExitCode maps any error to an exit code. Unknown errors default to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*ExitError); ok {
		return ee.Code
	}
	return 1
}

// GetExitCodeName returns a human-readable name for an exit code.
func GetExitCodeName(code int) string {
	switch code {
	case ExitSuccess:
		return "Success"
	case ExitFatal:
		return "Fatal Error"
	case ExitPartialSuccess:
		return "Partial Success"
	}
	return fmt.Sprintf("Unknown (%d)", code)
}

// exitForResults returns nil when every record succeeded, a partial-success
// error when some did, and a fatal error when none did.
func exitForResults(op string, results []session.Result) error {
	failed := 0
	for _, r := range results {
		if !r.Successful {
			failed++
		}
	}
	switch {
	case failed == 0:
		return nil
	case failed < len(results):
		return &ExitError{Code: ExitPartialSuccess, Err: fmt.Errorf("%s: %d of %d records failed", op, failed, len(results))}
	}
	return &ExitError{Code: ExitFatal, Err: fmt.Errorf("%s: all %d records failed", op, len(results))}
}
