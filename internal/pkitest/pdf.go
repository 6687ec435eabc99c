package pkitest

import (
	"bytes"
	"fmt"
)

const pdfaMetadata = `<?xpacket begin="" id="W5M0MpCehiHzreSzNTczkc9d"?>
<x:xmpmeta xmlns:x="adobe:ns:meta/">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description rdf:about="" xmlns:pdfaid="http://www.aiim.org/pdfa/ns/id/">
   <pdfaid:part>1</pdfaid:part>
   <pdfaid:conformance>B</pdfaid:conformance>
  </rdf:Description>
 </rdf:RDF>
</x:xmpmeta>
<?xpacket end="w"?>`

// PDFOptions shapes MinimalPDF.
type PDFOptions struct {
	// PDFA adds PDF/A identification metadata and an output intent.
	PDFA bool
	// JavaScript adds a document-level script.
	JavaScript bool
	// Text is drawn on the single page.
	Text string
}

// MinimalPDF renders a one-page PDF with a classic cross-reference table.
func MinimalPDF(opts PDFOptions) []byte {
	if opts.Text == "" {
		opts.Text = "secsign test document"
	}
	stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", opts.Text)

	catalog := "<< /Type /Catalog /Pages 2 0 R"
	if opts.PDFA {
		catalog += " /Metadata 6 0 R /OutputIntents [<< /Type /OutputIntent /S /GTS_PDFA1 /OutputConditionIdentifier (sRGB) >>]"
	}
	if opts.JavaScript {
		catalog += " /OpenAction << /S /JavaScript /JS (app.alert\\('hi'\\);) >>"
	}
	catalog += " >>"

	objects := []string{
		catalog,
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	if opts.PDFA {
		objects = append(objects, fmt.Sprintf("<< /Type /Metadata /Subtype /XML /Length %d >>\nstream\n%s\nendstream", len(pdfaMetadata), pdfaMetadata))
	}
	objects = append(objects, "<< /Producer (secsign pkitest) >>")
	infoNum := len(objects)

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /Info %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, infoNum, xref)
	return buf.Bytes()
}
