package pdfsig

import (
	"bytes"
	"io"
	"regexp"

	"github.com/digitorus/pdf"
	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
)

var pdfaPartPattern = regexp.MustCompile(`pdfaid:part(?:>\s*|\s*=\s*["'])([1-4])`)

// PDFAReport lists why a document is not PDF/A.
type PDFAReport struct {
	Outcome record.PDFAOutcome
	Part    string
	Issues  []string
}

// CheckPDFA performs a structural PDF/A check: identification metadata,
// a PDF/A output intent, no encryption and no JavaScript actions.
func CheckPDFA(document []byte) (*PDFAReport, error) {
	if len(document) == 0 {
		return &PDFAReport{Outcome: record.PDFANoData}, nil
	}
	if !IsPDF(document) {
		return nil, ErrNotPDF
	}
	rdr, err := pdf.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return nil, errors.Wrap(ErrNotPDF, err.Error())
	}

	report := &PDFAReport{}
	trailer := rdr.Trailer()
	if !trailer.Key("Encrypt").IsNull() {
		report.Issues = append(report.Issues, "document is encrypted")
	}

	root := trailer.Key("Root")
	if root.IsNull() {
		return nil, errors.Wrap(ErrNotPDF, "no document catalog")
	}

	meta := root.Key("Metadata")
	if meta.Kind() != pdf.Stream {
		report.Issues = append(report.Issues, "no XMP metadata stream")
	} else {
		xmp, err := readStream(meta)
		if err != nil {
			report.Issues = append(report.Issues, "unreadable XMP metadata: "+err.Error())
		} else if m := pdfaPartPattern.FindSubmatch(xmp); m == nil {
			report.Issues = append(report.Issues, "XMP metadata lacks pdfaid:part")
		} else {
			report.Part = string(m[1])
		}
	}

	intents := root.Key("OutputIntents")
	found := false
	for i := 0; i < intents.Len(); i++ {
		if intents.Index(i).Key("S").Name() == "GTS_PDFA1" {
			found = true
		}
	}
	if !found {
		report.Issues = append(report.Issues, "no GTS_PDFA1 output intent")
	}

	if hasJavaScript(root.Key("OpenAction")) || !root.Key("Names").Key("JavaScript").IsNull() {
		report.Issues = append(report.Issues, "document contains JavaScript")
	}

	report.Outcome = record.PDFACompliant
	if len(report.Issues) > 0 {
		report.Outcome = record.PDFANotCompliant
	}
	return report, nil
}

func hasJavaScript(action pdf.Value) bool {
	return action.Kind() == pdf.Dict && action.Key("S").Name() == "JavaScript"
}

func readStream(v pdf.Value) (data []byte, err error) {
	defer func() {
		// The reader panics on malformed streams.
		if r := recover(); r != nil {
			err = errors.Errorf("%v", r)
		}
	}()
	rc := v.Reader()
	defer rc.Close()
	return io.ReadAll(rc)
}
