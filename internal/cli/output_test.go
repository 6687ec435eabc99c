package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-verix/secsign/internal/pkitest"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/session"
)

func TestDetectType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want record.DocumentType
	}{
		{"pdf", pkitest.MinimalPDF(pkitest.PDFOptions{}), record.DocumentPDF},
		{"html", []byte("  <!DOCTYPE html><html></html>"), record.DocumentHTML},
		{"html lower", []byte("<html><body/></html>"), record.DocumentHTML},
		{"xml", []byte("<?xml version=\"1.0\"?><a/>"), record.DocumentXML},
		{"rtf", []byte("{\\rtf1\\ansi hello}"), record.DocumentRTF},
		{"zip", []byte("PK\x03\x04rest"), record.DocumentZIP},
		{"png", []byte("\x89PNG\r\n\x1a\n"), record.DocumentImage},
		{"text", []byte("plain words\n"), record.DocumentPlaintext},
		{"empty", nil, record.DocumentPlaintext},
		{"binary", []byte{0x00, 0x01, 0x02}, record.DocumentBinary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectType(tt.data))
		})
	}
}

func TestOutputPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("docs", "a.txt.p7s"), outputPath(filepath.Join("docs", "a.txt"), "", ".p7s"))
	assert.Equal(t, filepath.Join("out", "a.txt.p7s"), outputPath(filepath.Join("docs", "a.txt"), "out", ".p7s"))

	assert.Equal(t, filepath.Join("docs", "a.txt"), strippedPath(filepath.Join("docs", "a.txt.p7m"), "", ".p7m", ".p7e"))
	assert.Equal(t, filepath.Join("out", "a.txt"), strippedPath(filepath.Join("docs", "a.txt.p7e"), "out", ".p7m", ".p7e"))
	// Without a known extension the output must not overwrite the input.
	assert.Equal(t, filepath.Join("docs", "blob.out"), strippedPath(filepath.Join("docs", "blob"), "", ".p7m"))
	assert.Equal(t, filepath.Join("docs", ".p7m.out"), strippedPath(filepath.Join("docs", ".p7m"), "", ".p7m"))
}

func TestParseFilters(t *testing.T) {
	filters, err := parseFilters([]string{"intersect://Body", "SUBTRACT://Body/Note"})
	require.NoError(t, err)
	require.Len(t, filters, 2)
	assert.Equal(t, record.FilterIntersect, filters[0].Operator)
	assert.Equal(t, "//Body", filters[0].Expression)
	assert.Equal(t, record.FilterSubtract, filters[1].Operator)

	for _, bad := range []string{"UNION", "UNION:", "XOR://a"} {
		_, err := parseFilters([]string{bad})
		assert.Error(t, err, bad)
	}

	filters, err = parseFilters(nil)
	require.NoError(t, err)
	assert.Empty(t, filters)
}

func TestSignatureSuffix(t *testing.T) {
	tests := map[record.SignatureFormat]string{
		record.FormatPKCS7Detached: ".p7s",
		record.FormatPKCS7Embedded: ".p7m",
		record.FormatPDFEmbedded:   ".signed.pdf",
		record.FormatXMLDSig:       ".signed.xml",
		"":                         ".p7s",
	}
	for format, want := range tests {
		assert.Equal(t, want, signatureSuffix(&record.Record{SignatureFormat: format}), string(format))
	}
}

func TestPrintReports(t *testing.T) {
	r1 := record.New("a.p7m", nil)
	r1.Caveats = []string{"OCSP responder unreachable"}
	r1.Signers = []record.SignerReport{{Subject: "CN=Jane", HashAlgorithm: "SHA256", Outcome: record.SignatureValid}}
	r2 := record.New("b.p7m", nil)

	results := []session.Result{
		{RecordID: r1.ID, Name: r1.Name, Outcome: "SIGNATURE_VALID", Successful: true},
		{RecordID: r2.ID, Name: r2.Name, Outcome: "DECODE_FAILED"},
	}
	reports := buildReports([]*record.Record{r1, r2}, results, map[string]string{r1.ID: "out/a"})

	var buf bytes.Buffer
	require.NoError(t, printReports(&buf, reports))
	out := buf.String()
	assert.Contains(t, out, "✓ a.p7m: SIGNATURE_VALID")
	assert.Contains(t, out, "signer: CN=Jane (SHA256, SIGNATURE_VALID)")
	assert.Contains(t, out, "caveat: OCSP responder unreachable")
	assert.Contains(t, out, "output: out/a")
	assert.Contains(t, out, "✗ b.p7m: DECODE_FAILED")
}
