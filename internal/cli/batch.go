package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/open-verix/secsign/internal/certval"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/session"
	"github.com/open-verix/secsign/internal/signing"
	"github.com/open-verix/secsign/internal/verify"
)

var (
	batchInputFile string
	batchOutputDir string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one operation over the records of a batch file",
	Long: `Run sign, verify, encrypt, decrypt, cert-verify or pdfa over every
record listed in a JSON or YAML batch file, in one session.

Each record names its input files (paths relative to the batch file) and
may override the batch-wide options. Results are printed per record and
saved to <output-dir>/summary.json.

Example batch file:

  operation: sign
  config:
    padding: PSS
    output_dir: signed
  records:
    - name: report
      document: report.txt
    - name: invoice
      document: invoice.xml
      format: XML_DSIG
      xml_node: /Invoice/Body

Exit Codes:
  0 - Every record reached a successful outcome
  1 - Fatal error (invalid input, config error, or every record failed)
  2 - Some records failed (check output for details)`,
	Example: `  secsign batch --input batch.yaml
  secsign batch -i verify.json -o results/`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVarP(&batchInputFile, "input", "i", "", "Batch file (JSON or YAML)")
	batchCmd.Flags().StringVarP(&batchOutputDir, "output-dir", "o", "", "Output directory (default .secsign/batch)")
	_ = batchCmd.MarkFlagRequired("input")
}

// BatchInput represents the input file structure.
type BatchInput struct {
	Operation string       `json:"operation" yaml:"operation"`
	Config    BatchConfig  `json:"config,omitempty" yaml:"config,omitempty"`
	Records   []RecordSpec `json:"records" yaml:"records"`
}

// BatchConfig holds batch-wide options.
type BatchConfig struct {
	OutputDir     string   `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	Format        string   `json:"format,omitempty" yaml:"format,omitempty"`
	Padding       string   `json:"padding,omitempty" yaml:"padding,omitempty"`
	Hash          string   `json:"hash,omitempty" yaml:"hash,omitempty"`
	Recipients    []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	SignerCerts   []string `json:"signer_certs,omitempty" yaml:"signer_certs,omitempty"`
	OCSPMandatory bool     `json:"ocsp_mandatory,omitempty" yaml:"ocsp_mandatory,omitempty"`
	AllowResign   bool     `json:"allow_resign,omitempty" yaml:"allow_resign,omitempty"`
}

// RecordSpec describes one record. File fields are paths.
type RecordSpec struct {
	Name              string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Document          string                   `json:"document,omitempty" yaml:"document,omitempty"`
	Signature         string                   `json:"signature,omitempty" yaml:"signature,omitempty"`
	OldSignature      string                   `json:"old_signature,omitempty" yaml:"old_signature,omitempty"`
	Certificate       string                   `json:"certificate,omitempty" yaml:"certificate,omitempty"`
	Timestamp         string                   `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	ArchiveTimestamps []string                 `json:"archive_timestamps,omitempty" yaml:"archive_timestamps,omitempty"`
	OCSPResponse      string                   `json:"ocsp_response,omitempty" yaml:"ocsp_response,omitempty"`
	Format            string                   `json:"format,omitempty" yaml:"format,omitempty"`
	Padding           string                   `json:"padding,omitempty" yaml:"padding,omitempty"`
	Hash              string                   `json:"hash,omitempty" yaml:"hash,omitempty"`
	IncludeCert       *bool                    `json:"include_cert,omitempty" yaml:"include_cert,omitempty"`
	XMLNode           string                   `json:"xml_node,omitempty" yaml:"xml_node,omitempty"`
	XMLNamespace      string                   `json:"xml_namespace,omitempty" yaml:"xml_namespace,omitempty"`
	Filters           []record.TransformFilter `json:"filters,omitempty" yaml:"filters,omitempty"`
	PDFAnnotation     *record.PDFAnnotation    `json:"pdf_annotation,omitempty" yaml:"pdf_annotation,omitempty"`
	Resign            bool                     `json:"resign,omitempty" yaml:"resign,omitempty"`
}

// BatchResult represents the result of a single record.
type BatchResult struct {
	Record  string   `json:"record_id"`
	Name    string   `json:"name,omitempty"`
	Outcome string   `json:"outcome"`
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Caveats []string `json:"caveats,omitempty"`
	Output  string   `json:"output_path,omitempty"`
}

// BatchSummary represents the summary of a batch run.
type BatchSummary struct {
	Operation string        `json:"operation"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  float64       `json:"duration_seconds"`
	Results   []BatchResult `json:"results"`
}

var batchOperations = map[string]bool{
	"sign":        true,
	"verify":      true,
	"encrypt":     true,
	"decrypt":     true,
	"cert-verify": true,
	"pdfa":        true,
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	startTime := time.Now()

	input, err := loadBatchInput(batchInputFile)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "failed to load input file")}
	}
	if !batchOperations[input.Operation] {
		return &ExitError{Code: ExitFatal, Err: errors.Errorf("unknown batch operation %q", input.Operation)}
	}
	if len(input.Records) == 0 {
		return &ExitError{Code: ExitFatal, Err: errors.New("no records specified")}
	}

	outDir := ".secsign/batch"
	if input.Config.OutputDir != "" {
		outDir = input.Config.OutputDir
	}
	if batchOutputDir != "" {
		outDir = batchOutputDir
	}

	baseDir := filepath.Dir(batchInputFile)
	records, err := buildRecords(input, baseDir)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	recipients, err := certval.LoadCertificates(resolvePaths(baseDir, input.Config.Recipients))
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	signers, err := certval.LoadCertificates(resolvePaths(baseDir, input.Config.SignerCerts))
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "failed to create output directory")}
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	vopts := verify.Options{
		ExternalSignerCerts: signers,
		AllowResign:         input.Config.AllowResign || cfg.Signing.AllowResign,
		OCSPMandatory:       input.Config.OCSPMandatory || cfg.Signing.OCSPMandatory,
	}

	var (
		results []session.Result
		runErr  error
	)
	switch input.Operation {
	case "sign":
		results, runErr = a.session.Sign(ctx, records, signing.Request{Recipients: recipients})
	case "verify":
		results, runErr = a.session.Verify(ctx, records, vopts)
	case "encrypt":
		results, runErr = a.session.Encrypt(ctx, records, recipients)
	case "decrypt":
		results, runErr = a.session.Decrypt(ctx, records, vopts)
	case "cert-verify":
		results, runErr = a.session.VerifyCertificate(ctx, records, vopts)
	case "pdfa":
		results, runErr = a.session.CheckPDFA(ctx, records)
	}

	summary := BatchSummary{
		Operation: input.Operation,
		Total:     len(results),
	}
	for i, res := range results {
		br := BatchResult{
			Record:  res.RecordID,
			Name:    res.Name,
			Outcome: res.Outcome,
			Success: res.Successful,
		}
		if res.Err != nil {
			br.Error = res.Err.Error()
		}
		if i < len(records) {
			r := records[i]
			br.Caveats = r.Caveats
			if res.Successful {
				path, err := writeBatchOutput(input.Operation, r, outDir)
				if err != nil {
					return &ExitError{Code: ExitFatal, Err: err}
				}
				br.Output = path
			}
		}
		if br.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, br)
	}
	summary.Duration = time.Since(startTime).Seconds()

	printSummary(cmd, summary)

	summaryPath := filepath.Join(outDir, "summary.json")
	if err := saveSummary(summary, summaryPath); err != nil {
		cmd.PrintErrf("Warning: Failed to save summary: %v\n", err)
	}

	if err := exitForResults("batch "+input.Operation, results); err != nil {
		return err
	}
	if runErr != nil {
		return &ExitError{Code: ExitFatal, Err: runErr}
	}
	return nil
}

// buildRecords reads the files each spec names and applies option defaults.
func buildRecords(input BatchInput, baseDir string) ([]*record.Record, error) {
	read := func(p string) ([]byte, error) {
		if p == "" {
			return nil, nil
		}
		data, err := os.ReadFile(resolvePath(baseDir, p))
		return data, errors.Wrapf(err, "read %s", p)
	}

	records := make([]*record.Record, 0, len(input.Records))
	for i, spec := range input.Records {
		name := spec.Name
		if name == "" {
			name = firstNonEmpty(spec.Document, spec.Signature, spec.Certificate, spec.Timestamp)
		}
		if name == "" {
			name = fmt.Sprintf("record-%d", i+1)
		}
		r := record.New(name, nil)

		var err error
		if r.Document, err = read(spec.Document); err != nil {
			return nil, err
		}
		if r.Signature, err = read(spec.Signature); err != nil {
			return nil, err
		}
		if r.OldSignature, err = read(spec.OldSignature); err != nil {
			return nil, err
		}
		if r.Certificate, err = read(spec.Certificate); err != nil {
			return nil, err
		}
		if r.Timestamp, err = read(spec.Timestamp); err != nil {
			return nil, err
		}
		if r.OCSPResponse, err = read(spec.OCSPResponse); err != nil {
			return nil, err
		}
		for _, p := range spec.ArchiveTimestamps {
			tok, err := read(p)
			if err != nil {
				return nil, err
			}
			r.ArchiveTimestamps = append(r.ArchiveTimestamps, tok)
		}
		if len(r.Document) > 0 {
			r.DocumentType = detectType(r.Document)
		}

		r.SignatureFormat = record.SignatureFormat(strings.ToUpper(firstNonEmpty(spec.Format, input.Config.Format, cfg.Signing.Format)))
		r.Padding = record.Padding(strings.ToUpper(firstNonEmpty(spec.Padding, input.Config.Padding, cfg.Signing.Padding)))
		r.HashAlgorithm = firstNonEmpty(spec.Hash, input.Config.Hash, cfg.Signing.Hash)
		r.IncludeSignerCertificate = cfg.Signing.IncludeCert
		if spec.IncludeCert != nil {
			r.IncludeSignerCertificate = *spec.IncludeCert
		}
		r.XMLNodePath = spec.XMLNode
		r.XMLNamespace = spec.XMLNamespace
		r.TransformFilters = spec.Filters
		r.PDFAnnotation = spec.PDFAnnotation
		r.Resign = spec.Resign
		records = append(records, r)
	}
	return records, nil
}

// writeBatchOutput stores the artifact a successful record produced.
func writeBatchOutput(op string, r *record.Record, outDir string) (string, error) {
	var (
		data   []byte
		suffix string
	)
	switch op {
	case "sign":
		data, suffix = r.Signature, signatureSuffix(r)
		if len(r.SignatureCiphered) > 0 {
			if err := writeOutput(filepath.Join(outDir, sanitizeFilename(r.Name)+".p7e"), r.SignatureCiphered); err != nil {
				return "", err
			}
		}
	case "encrypt":
		data, suffix = r.EncryptedDocument, ".p7e"
	case "verify", "decrypt":
		if r.VerifyOutcome == record.SignatureValidResigned {
			data, suffix = r.Signature, ".resigned"
		} else if len(r.Document) > 0 && op == "decrypt" {
			data, suffix = r.Document, ".out"
		}
	}
	if len(data) == 0 {
		return "", nil
	}
	path := filepath.Join(outDir, sanitizeFilename(r.Name)+suffix)
	return path, writeOutput(path, data)
}

func loadBatchInput(path string) (BatchInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BatchInput{}, err
	}

	var input BatchInput
	if err := json.Unmarshal(data, &input); err == nil {
		return input, nil
	}
	if err := yaml.Unmarshal(data, &input); err != nil {
		return BatchInput{}, errors.Wrap(err, "failed to parse input file as JSON or YAML")
	}
	return input, nil
}

func resolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

func resolvePaths(baseDir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = resolvePath(baseDir, p)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sanitizeFilename(name string) string {
	replacer := map[rune]rune{
		'/':  '-',
		':':  '-',
		'\\': '-',
		'*':  '-',
		'?':  '-',
		'"':  '-',
		'<':  '-',
		'>':  '-',
		'|':  '-',
	}

	runes := []rune(name)
	for i, r := range runes {
		if replacement, ok := replacer[r]; ok {
			runes[i] = replacement
		}
	}

	return string(runes)
}

func printSummary(cmd *cobra.Command, summary BatchSummary) {
	w := cmd.OutOrStdout()
	for _, r := range summary.Results {
		status := "✓"
		if !r.Success {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s: %s\n", status, r.Name, r.Outcome)
		for _, c := range r.Caveats {
			fmt.Fprintf(w, "    caveat: %s\n", c)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "                    BATCH SUMMARY (%s)\n", summary.Operation)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Total records:      %d\n", summary.Total)
	fmt.Fprintf(w, "✓ Succeeded:        %d\n", summary.Succeeded)
	fmt.Fprintf(w, "✗ Failed:           %d\n", summary.Failed)
	fmt.Fprintf(w, "Total duration:     %.2fs\n", summary.Duration)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")

	if summary.Failed > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Failed records:")
		for _, result := range summary.Results {
			if !result.Success {
				fmt.Fprintf(w, "  ✗ %s: %s %s\n", result.Name, result.Outcome, result.Error)
			}
		}
	}
}

func saveSummary(summary BatchSummary, path string) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
