package cli

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/certval"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/signing"
)

var (
	signFormat       string
	signPadding      string
	signHash         string
	signNoCert       bool
	signOutDir       string
	signRecipients   []string
	signOldSignature string
	signXMLNode      string
	signXMLNamespace string
	signFilters      []string
	signPDFName      string
	signPDFReason    string
	signPDFLocation  string
	signPDFContact   string
)

var signCmd = &cobra.Command{
	Use:   "sign <file>...",
	Short: "Sign documents with the configured credential",
	Long: `Sign one or more documents in a single batch.

Output files are written next to each input, or into --out-dir:
  PKCS7_DETACHED  <file>.p7s
  PKCS7_EMBEDDED  <file>.p7m
  PDF_EMBEDDED    <file>.signed.pdf
  XML_DSIG        <file>.signed.xml
With --encrypt-for the signature is also enveloped into <file>.p7e.

Transform filters for XML_DSIG take the form OPERATOR:EXPRESSION where
OPERATOR is INTERSECT, SUBTRACT or UNION.`,
	Example: `  # Detached PKCS#7 with PSS padding
  secsign sign --padding PSS report.txt

  # Add a second signer to an existing detached signature
  secsign sign --old-signature report.txt.p7s report.txt

  # Sign a PDF with a visible reason
  secsign sign --format PDF_EMBEDDED --pdf-reason "Approved" contract.pdf

  # Sign part of an XML document
  secsign sign --format XML_DSIG --xml-node "/Invoice/Body" invoice.xml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signFormat, "format", "", "Signature format (PKCS7_DETACHED, PKCS7_EMBEDDED, PDF_EMBEDDED, XML_DSIG)")
	signCmd.Flags().StringVar(&signPadding, "padding", "", "RSA padding (PKCS1_V1_5, PSS)")
	signCmd.Flags().StringVar(&signHash, "hash", "", "Hash algorithm; chosen automatically when empty")
	signCmd.Flags().BoolVar(&signNoCert, "no-cert", false, "Do not embed the signer certificate")
	signCmd.Flags().StringVarP(&signOutDir, "out-dir", "o", "", "Directory for output files")
	signCmd.Flags().StringSliceVar(&signRecipients, "encrypt-for", nil, "Recipient certificate PEM files; envelopes the signature")
	signCmd.Flags().StringVar(&signOldSignature, "old-signature", "", "Existing container to add this signature to")
	signCmd.Flags().StringVar(&signXMLNode, "xml-node", "", "Path of the XML node to sign")
	signCmd.Flags().StringVar(&signXMLNamespace, "xml-namespace", "", "Namespace URI of the XML node")
	signCmd.Flags().StringSliceVar(&signFilters, "filter", nil, "XML transform filter OPERATOR:EXPRESSION (repeatable)")
	signCmd.Flags().StringVar(&signPDFName, "pdf-name", "", "Signer name shown in the PDF signature")
	signCmd.Flags().StringVar(&signPDFReason, "pdf-reason", "", "Reason shown in the PDF signature")
	signCmd.Flags().StringVar(&signPDFLocation, "pdf-location", "", "Location shown in the PDF signature")
	signCmd.Flags().StringVar(&signPDFContact, "pdf-contact", "", "Contact info shown in the PDF signature")
	addOutputFlags(signCmd)
}

func runSign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	inputs, err := readInputs(args)
	if err != nil {
		return err
	}
	var old []byte
	if signOldSignature != "" {
		if len(args) != 1 {
			return &ExitError{Code: ExitFatal, Err: errors.New("--old-signature needs exactly one input file")}
		}
		if old, err = os.ReadFile(signOldSignature); err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "read old signature")}
		}
	}
	filters, err := parseFilters(signFilters)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	recipients, err := certval.LoadCertificates(signRecipients)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	records := make([]*record.Record, len(inputs))
	for i, in := range inputs {
		r := newSignRecord(in)
		r.OldSignature = old
		r.TransformFilters = filters
		records[i] = r
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results, runErr := a.session.Sign(ctx, records, signing.Request{Recipients: recipients})

	outputs := make(map[string]string)
	for i, r := range records {
		if r.SignOutcome != record.Signed {
			continue
		}
		path := outputPath(inputs[i].Path, signOutDir, signatureSuffix(r))
		if err := writeOutput(path, r.Signature); err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		outputs[r.ID] = path
		if len(r.SignatureCiphered) > 0 {
			if err := writeOutput(outputPath(inputs[i].Path, signOutDir, ".p7e"), r.SignatureCiphered); err != nil {
				return &ExitError{Code: ExitFatal, Err: err}
			}
		}
	}
	return finishCommand(cmd, "sign", records, results, outputs, runErr)
}

// newSignRecord applies command flags over configured defaults.
func newSignRecord(in inputFile) *record.Record {
	r := record.New(in.Path, in.Data)
	r.DocumentType = detectType(in.Data)

	r.SignatureFormat = record.SignatureFormat(cfg.Signing.Format)
	if signFormat != "" {
		r.SignatureFormat = record.SignatureFormat(strings.ToUpper(signFormat))
	}
	r.Padding = record.Padding(cfg.Signing.Padding)
	if signPadding != "" {
		r.Padding = record.Padding(strings.ToUpper(signPadding))
	}
	r.HashAlgorithm = cfg.Signing.Hash
	if signHash != "" {
		r.HashAlgorithm = signHash
	}
	r.IncludeSignerCertificate = cfg.Signing.IncludeCert && !signNoCert
	r.XMLNodePath = signXMLNode
	r.XMLNamespace = signXMLNamespace
	if signPDFName != "" || signPDFReason != "" || signPDFLocation != "" || signPDFContact != "" {
		r.PDFAnnotation = &record.PDFAnnotation{
			Name:        signPDFName,
			Reason:      signPDFReason,
			Location:    signPDFLocation,
			ContactInfo: signPDFContact,
		}
	}
	return r
}

func signatureSuffix(r *record.Record) string {
	switch r.SignatureFormat {
	case record.FormatPKCS7Embedded:
		return ".p7m"
	case record.FormatPDFEmbedded:
		return ".signed.pdf"
	case record.FormatXMLDSig:
		return ".signed.xml"
	}
	return ".p7s"
}

// parseFilters reads OPERATOR:EXPRESSION pairs.
func parseFilters(specs []string) ([]record.TransformFilter, error) {
	var out []record.TransformFilter
	for _, s := range specs {
		op, expr, ok := strings.Cut(s, ":")
		if !ok || expr == "" {
			return nil, errors.Errorf("invalid filter %q (want OPERATOR:EXPRESSION)", s)
		}
		f := record.TransformFilter{Operator: record.FilterOperator(strings.ToUpper(op)), Expression: expr}
		if !f.Operator.Valid() {
			return nil, errors.Errorf("invalid filter operator %q", op)
		}
		out = append(out, f)
	}
	return out, nil
}
