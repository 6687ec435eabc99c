package pdfsig

import (
	"bytes"
	"encoding/hex"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

var byteRangePattern = regexp.MustCompile(`/ByteRange\s*\[\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*\]`)

// Signature is one embedded signature: the detached CMS container and the
// bytes it covers.
type Signature struct {
	// Container is the DER CMS SignedData from /Contents.
	Container []byte
	// Content is the concatenation of the two byte ranges.
	Content []byte
	// ByteRange as found in the signature dictionary.
	ByteRange [4]int64
	// WholeFile is true when the ranges cover the entire file but the
	// /Contents value.
	WholeFile bool
}

// Extract finds every signature dictionary in a PDF, in file order.
func Extract(document []byte) ([]Signature, error) {
	if !IsPDF(document) {
		return nil, ErrNotPDF
	}
	size := int64(len(document))

	var out []Signature
	for _, m := range byteRangePattern.FindAllSubmatch(document, -1) {
		var br [4]int64
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseInt(string(m[i+1]), 10, 64)
			if err != nil {
				return nil, errors.Wrap(ErrNotPDF, "byte range: "+err.Error())
			}
			br[i] = v
		}
		start1, len1, start2, len2 := br[0], br[1], br[2], br[3]
		if start1 < 0 || len1 < 0 || start2 < start1+len1 || len2 < 0 || start2+len2 > size {
			return nil, errors.Wrap(ErrNotPDF, "byte range outside the file")
		}

		gap := bytes.TrimSpace(document[start1+len1 : start2])
		if len(gap) < 2 || gap[0] != '<' || gap[len(gap)-1] != '>' {
			return nil, errors.Wrap(ErrNotPDF, "signature contents are not a hex string")
		}
		container, err := hex.DecodeString(string(gap[1 : len(gap)-1]))
		if err != nil {
			return nil, errors.Wrap(ErrNotPDF, "signature contents: "+err.Error())
		}

		content := make([]byte, 0, len1+len2)
		content = append(content, document[start1:start1+len1]...)
		content = append(content, document[start2:start2+len2]...)

		out = append(out, Signature{
			Container: container,
			Content:   content,
			ByteRange: br,
			WholeFile: start1 == 0 && start2+len2 == size,
		})
	}
	if len(out) == 0 {
		return nil, ErrNoSignature
	}
	return out, nil
}
