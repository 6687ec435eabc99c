package cli

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/certval"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/verify"
)

var (
	verifySignature     string
	verifySignerCerts   []string
	verifyArchiveTokens []string
	verifyOCSPResponse  string
	verifyOCSPMandatory bool
	verifyAllowResign   bool
	verifyExtractDir    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file>...",
	Short: "Verify signed documents and signature containers",
	Long: `Verify one or more signed files in a single batch.

Each argument may be a PKCS#7 container (.p7s/.p7m), an enveloped container
(.p7e, decrypted with the session credential), a signed PDF or a signed XML
document. A detached signature is matched with its document via --signature.

Each record reports exactly one outcome, for example SIGNATURE_VALID,
DATA_MISMATCH, SIGNATURE_VALID_CERT_REVOKED or ALGORITHM_EXPIRED. Caveats such as an
unreachable OCSP responder are printed below the outcome.

With --allow-resign, every record that verifies as SIGNATURE_VALID is signed
again with the session credential, in its original format, and reported
SIGNATURE_VALID_RESIGNED. Records with any other outcome are left as they are.`,
	Example: `  # Detached signature
  secsign verify --signature report.txt.p7s report.txt

  # Self-contained containers and signed documents
  secsign verify report.txt.p7m contract.signed.pdf invoice.signed.xml

  # Recover the content of embedded containers
  secsign verify --extract-dir out/ report.txt.p7m`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVarP(&verifySignature, "signature", "s", "", "Detached signature for a single document")
	verifyCmd.Flags().StringSliceVar(&verifySignerCerts, "signer-cert", nil, "PEM files with signer certificates missing from the containers")
	verifyCmd.Flags().StringSliceVar(&verifyArchiveTokens, "archive-timestamp", nil, "Archival timestamp tokens (DER) over the signature")
	verifyCmd.Flags().StringVar(&verifyOCSPResponse, "ocsp-response", "", "Pre-fetched DER OCSP response for the signer")
	verifyCmd.Flags().BoolVar(&verifyOCSPMandatory, "ocsp-mandatory", false, "Fail when no OCSP response can be obtained")
	verifyCmd.Flags().BoolVar(&verifyAllowResign, "allow-resign", false, "Re-sign valid signatures with the session credential")
	verifyCmd.Flags().StringVar(&verifyExtractDir, "extract-dir", "", "Write recovered documents and re-signed containers here")
	addOutputFlags(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	inputs, err := readInputs(args)
	if err != nil {
		return err
	}
	if verifySignature != "" && len(inputs) != 1 {
		return &ExitError{Code: ExitFatal, Err: errors.New("--signature needs exactly one document")}
	}

	archive := make([][]byte, 0, len(verifyArchiveTokens))
	for _, p := range verifyArchiveTokens {
		data, err := os.ReadFile(p)
		if err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "read archival timestamp")}
		}
		archive = append(archive, data)
	}
	var ocspResp []byte
	if verifyOCSPResponse != "" {
		if ocspResp, err = os.ReadFile(verifyOCSPResponse); err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "read OCSP response")}
		}
	}
	signers, err := certval.LoadCertificates(verifySignerCerts)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	records := make([]*record.Record, len(inputs))
	for i, in := range inputs {
		r := record.New(in.Path, nil)
		switch {
		case verifySignature != "":
			sig, err := os.ReadFile(verifySignature)
			if err != nil {
				return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "read signature")}
			}
			r.Document = in.Data
			r.Signature = sig
		case isContainer(in.Data):
			r.Signature = in.Data
		default:
			r.Document = in.Data
		}
		r.DocumentType = detectType(r.Document)
		r.ArchiveTimestamps = archive
		r.OCSPResponse = ocspResp
		r.Resign = verifyAllowResign
		records[i] = r
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := verify.Options{
		ExternalSignerCerts: signers,
		AllowResign:         verifyAllowResign || cfg.Signing.AllowResign,
		OCSPMandatory:       verifyOCSPMandatory || cfg.Signing.OCSPMandatory,
		AllowPrompt:         cfg.Signing.InteractivePrompt,
	}
	results, runErr := a.session.Verify(ctx, records, opts)

	outputs, err := writeVerifyOutputs(inputs, records, verifyExtractDir)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	return finishCommand(cmd, "verify", records, results, outputs, runErr)
}

// writeVerifyOutputs stores recovered content of embedded containers and
// re-signed signatures when dir is set.
func writeVerifyOutputs(inputs []inputFile, records []*record.Record, dir string) (map[string]string, error) {
	outputs := make(map[string]string)
	if dir == "" {
		return outputs, nil
	}
	for i, r := range records {
		if !r.VerifyOutcome.Successful() {
			continue
		}
		if r.VerifyOutcome == record.SignatureValidResigned {
			path := outputPath(inputs[i].Path, dir, ".resigned")
			if err := writeOutput(path, r.Signature); err != nil {
				return nil, err
			}
			outputs[r.ID] = path
			continue
		}
		if len(r.Document) > 0 && isContainer(inputs[i].Data) {
			path := strippedPath(inputs[i].Path, dir, ".p7m", ".p7e", ".p7s")
			if err := writeOutput(path, r.Document); err != nil {
				return nil, err
			}
			outputs[r.ID] = path
		}
	}
	return outputs, nil
}
