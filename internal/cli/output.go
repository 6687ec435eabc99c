package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/cms"
	"github.com/open-verix/secsign/internal/pdfsig"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/session"
)

// jsonOutput switches per-record output to JSON. Every batch command binds it.
var jsonOutput bool

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

// recordReport is the printed form of one record.
type recordReport struct {
	session.Result
	Error   string                `json:"error,omitempty"`
	Caveats []string              `json:"caveats,omitempty"`
	Signers []record.SignerReport `json:"signers,omitempty"`
	Output  string                `json:"output,omitempty"`
}

// inputFile is a file named on the command line.
type inputFile struct {
	Path string
	Data []byte
}

func readInputs(paths []string) ([]inputFile, error) {
	out := make([]inputFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, &ExitError{Code: ExitFatal, Err: errors.Wrapf(err, "read %s", p)}
		}
		out = append(out, inputFile{Path: p, Data: data})
	}
	return out, nil
}

// detectType guesses the document type from content.
func detectType(data []byte) record.DocumentType {
	trimmed := bytes.TrimSpace(data)
	lower := bytes.ToLower(trimmed[:min(len(trimmed), 16)])
	switch {
	case pdfsig.IsPDF(data):
		return record.DocumentPDF
	case bytes.HasPrefix(lower, []byte("<html")), bytes.HasPrefix(lower, []byte("<!doctype html")):
		return record.DocumentHTML
	case bytes.HasPrefix(trimmed, []byte("<")):
		return record.DocumentXML
	case bytes.HasPrefix(data, []byte("{\\rtf")):
		return record.DocumentRTF
	case bytes.HasPrefix(data, []byte("PK\x03\x04")):
		return record.DocumentZIP
	case bytes.HasPrefix(data, []byte("\x89PNG")), bytes.HasPrefix(data, []byte("\xff\xd8\xff")), bytes.HasPrefix(data, []byte("GIF8")):
		return record.DocumentImage
	case isText(data):
		return record.DocumentPlaintext
	}
	return record.DocumentBinary
}

func isText(data []byte) bool {
	if len(data) > 512 {
		data = data[:512]
	}
	for _, b := range data {
		if b == 0 || (b < 0x20 && b != '\n' && b != '\r' && b != '\t') {
			return false
		}
	}
	return true
}

// isContainer reports whether data is a CMS structure rather than a document.
func isContainer(data []byte) bool {
	return cms.IsSignedData(data) || cms.IsEnvelopedData(data)
}

// outputPath places a derived file next to src, or in dir when set.
func outputPath(src, dir, suffix string) string {
	base := filepath.Base(src)
	if dir == "" {
		dir = filepath.Dir(src)
	}
	return filepath.Join(dir, base+suffix)
}

// strippedPath removes a known container extension, for recovered documents.
func strippedPath(src, dir string, exts ...string) string {
	base := filepath.Base(src)
	for _, ext := range exts {
		if strings.HasSuffix(base, ext) && len(base) > len(ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	if dir == "" {
		dir = filepath.Dir(src)
	}
	out := filepath.Join(dir, base)
	if out == filepath.Clean(src) {
		out += ".out"
	}
	return out
}

func writeOutput(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "create directory %s", dir)
		}
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "write %s", path)
}

// buildReports joins results with their records. outputs maps record IDs to
// written files.
func buildReports(records []*record.Record, results []session.Result, outputs map[string]string) []recordReport {
	reports := make([]recordReport, len(results))
	for i, res := range results {
		rep := recordReport{Result: res}
		if res.Err != nil {
			rep.Error = res.Err.Error()
		}
		if i < len(records) {
			rep.Caveats = records[i].Caveats
			rep.Signers = records[i].Signers
			rep.Output = outputs[records[i].ID]
		}
		reports[i] = rep
	}
	return reports
}

// printReports writes reports as JSON or as one line per record.
func printReports(w io.Writer, reports []recordReport) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	for _, rep := range reports {
		status := "✓"
		if !rep.Successful {
			status = "✗"
		}
		name := rep.Name
		if name == "" {
			name = rep.RecordID
		}
		fmt.Fprintf(w, "%s %s: %s\n", status, name, rep.Outcome)
		for _, s := range rep.Signers {
			fmt.Fprintf(w, "    signer: %s (%s, %s)\n", s.Subject, s.HashAlgorithm, s.Outcome)
		}
		for _, c := range rep.Caveats {
			fmt.Fprintf(w, "    caveat: %s\n", c)
		}
		if rep.Error != "" {
			fmt.Fprintf(w, "    error:  %s\n", rep.Error)
		}
		if rep.Output != "" {
			fmt.Fprintf(w, "    output: %s\n", rep.Output)
		}
	}
	return nil
}

// finishCommand prints the reports and maps them onto an exit code.
func finishCommand(cmd *cobra.Command, op string, records []*record.Record, results []session.Result, outputs map[string]string, runErr error) error {
	if err := printReports(cmd.OutOrStdout(), buildReports(records, results, outputs)); err != nil {
		return err
	}
	if runErr != nil && len(results) == 0 {
		return &ExitError{Code: ExitFatal, Err: runErr}
	}
	if err := exitForResults(op, results); err != nil {
		return err
	}
	if runErr != nil {
		return &ExitError{Code: ExitFatal, Err: runErr}
	}
	return nil
}
