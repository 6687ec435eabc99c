package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/certval"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/verify"
)

var (
	encryptRecipients []string
	encryptOutDir     string
	decryptOutDir     string
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt <file>...",
	Short: "Encrypt documents for recipient certificates",
	Long: `Envelope each document as CMS EnvelopedData for every recipient
certificate and write <file>.p7e.

A recipient certificate that does not allow key encipherment fails the
record with ENCRYPTION_TARGET_INVALID.`,
	Example: `  secsign encrypt --recipient alice.pem --recipient bob.pem report.txt`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runEncrypt,
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt <file>...",
	Short: "Decrypt enveloped documents with the session credential",
	Long: `Open CMS EnvelopedData containers with the decryption key of the
configured credential.

A plain payload is reported as DECODED_UNSIGNED_DATA. A signed payload is
verified and reported like the verify command would.`,
	Example: `  secsign decrypt --out-dir plain/ report.txt.p7e`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runDecrypt,
}

func init() {
	encryptCmd.Flags().StringSliceVarP(&encryptRecipients, "recipient", "r", nil, "Recipient certificate PEM files (required)")
	encryptCmd.Flags().StringVarP(&encryptOutDir, "out-dir", "o", "", "Directory for output files")
	addOutputFlags(encryptCmd)

	decryptCmd.Flags().StringVarP(&decryptOutDir, "out-dir", "o", "", "Directory for recovered documents")
	addOutputFlags(decryptCmd)
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if len(encryptRecipients) == 0 {
		return &ExitError{Code: ExitFatal, Err: errors.New("at least one --recipient is required")}
	}
	recipients, err := certval.LoadCertificates(encryptRecipients)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	inputs, err := readInputs(args)
	if err != nil {
		return err
	}

	records := make([]*record.Record, len(inputs))
	for i, in := range inputs {
		records[i] = record.New(in.Path, in.Data)
		records[i].DocumentType = detectType(in.Data)
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results, runErr := a.session.Encrypt(ctx, records, recipients)

	outputs := make(map[string]string)
	for i, r := range records {
		if r.SignOutcome != record.Signed {
			continue
		}
		path := outputPath(inputs[i].Path, encryptOutDir, ".p7e")
		if err := writeOutput(path, r.EncryptedDocument); err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		outputs[r.ID] = path
	}
	return finishCommand(cmd, "encrypt", records, results, outputs, runErr)
}

func runDecrypt(cmd *cobra.Command, args []string) error {
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
		records[i] = record.New(in.Path, nil)
		records[i].Signature = in.Data
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results, runErr := a.session.Decrypt(ctx, records, verify.Options{
		OCSPMandatory: cfg.Signing.OCSPMandatory,
	})

	outputs := make(map[string]string)
	for i, r := range records {
		if !r.VerifyOutcome.Successful() || len(r.Document) == 0 {
			continue
		}
		path := strippedPath(inputs[i].Path, decryptOutDir, ".p7e")
		if err := writeOutput(path, r.Document); err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		outputs[r.ID] = path
	}
	return finishCommand(cmd, "decrypt", records, results, outputs, runErr)
}
