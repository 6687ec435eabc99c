package cli

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/verify"
)

var (
	certOCSPMandatory bool
	certOCSPResponse  string
	timestampDocument string
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Certificate commands",
}

var certVerifyCmd = &cobra.Command{
	Use:   "verify <cert>...",
	Short: "Validate certificates against the trust roots and OCSP",
	Long: `Validate each certificate (PEM or DER): chain to a configured trust
root, validity period, key usage and revocation status.

Reports CERT_VALID or CERT_INVALID per certificate.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCertVerify,
}

var timestampCmd = &cobra.Command{
	Use:   "timestamp",
	Short: "Timestamp token commands",
}

var timestampVerifyCmd = &cobra.Command{
	Use:   "verify <token>...",
	Short: "Verify RFC 3161 timestamp tokens over a document",
	Long: `Verify DER timestamp tokens against --document: message imprint,
TSA signature, TSA certificate chain and algorithm expiry.

Reports TIMESTAMP_VALID, TIMESTAMP_INVALID or ALGORITHM_EXPIRED per token.`,
	Example: `  secsign timestamp verify --document report.txt report.tsr`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runTimestampVerify,
}

var pdfaCmd = &cobra.Command{
	Use:   "pdfa <file>...",
	Short: "Check PDF documents for PDF/A compliance",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPDFA,
}

func init() {
	certCmd.AddCommand(certVerifyCmd)
	certVerifyCmd.Flags().BoolVar(&certOCSPMandatory, "ocsp-mandatory", false, "Fail when no OCSP response can be obtained")
	certVerifyCmd.Flags().StringVar(&certOCSPResponse, "ocsp-response", "", "Pre-fetched DER OCSP response")
	addOutputFlags(certVerifyCmd)

	timestampCmd.AddCommand(timestampVerifyCmd)
	timestampVerifyCmd.Flags().StringVarP(&timestampDocument, "document", "d", "", "Document the tokens were issued over (required)")
	addOutputFlags(timestampVerifyCmd)

	addOutputFlags(pdfaCmd)
}

func runCertVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	inputs, err := readInputs(args)
	if err != nil {
		return err
	}
	var ocspResp []byte
	if certOCSPResponse != "" {
		if ocspResp, err = os.ReadFile(certOCSPResponse); err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "read OCSP response")}
		}
	}

	records := make([]*record.Record, len(inputs))
	for i, in := range inputs {
		records[i] = record.New(in.Path, nil)
		records[i].Certificate = in.Data
		records[i].OCSPResponse = ocspResp
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results, runErr := a.session.VerifyCertificate(ctx, records, verify.Options{
		OCSPMandatory: certOCSPMandatory || cfg.Signing.OCSPMandatory,
	})
	return finishCommand(cmd, "cert verify", records, results, nil, runErr)
}

func runTimestampVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timestampDocument == "" {
		return &ExitError{Code: ExitFatal, Err: errors.New("--document is required")}
	}
	doc, err := os.ReadFile(timestampDocument)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "read document")}
	}
	inputs, err := readInputs(args)
	if err != nil {
		return err
	}

	records := make([]*record.Record, len(inputs))
	for i, in := range inputs {
		records[i] = record.New(in.Path, doc)
		records[i].Timestamp = in.Data
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results, runErr := a.session.Verify(ctx, records, verify.Options{})
	return finishCommand(cmd, "timestamp verify", records, results, nil, runErr)
}

func runPDFA(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	inputs, err := readInputs(args)
	if err != nil {
		return err
	}

	records := make([]*record.Record, len(inputs))
	for i, in := range inputs {
		records[i] = record.New(in.Path, in.Data)
		records[i].DocumentType = record.DocumentPDF
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results, runErr := a.session.CheckPDFA(ctx, records)
	return finishCommand(cmd, "pdfa", records, results, nil, runErr)
}
