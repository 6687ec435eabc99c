package record

import "github.com/pkg/errors"

// VerifyOutcome is the result of verifying one record. Exactly one value is
// assigned per record.
type VerifyOutcome int

const (
	VerifyPending VerifyOutcome = iota
	NotInitialized
	SignatureValid
	SignatureValidResigned
	SignatureValidCertInvalid
	SignatureValidCertRevoked
	AlgorithmExpired
	DecodedUnsignedData
	CertValid
	CertInvalid
	SignatureInvalid
	NoData
	DataMismatch
	DecodeFailed
	TimestampValid
	TimestampInvalid
	VerifyError
)

var verifyOutcomeNames = map[VerifyOutcome]string{
	VerifyPending:             "PENDING",
	NotInitialized:            "NOT_INITIALIZED",
	SignatureValid:            "SIGNATURE_VALID",
	SignatureValidResigned:    "SIGNATURE_VALID_RESIGNED",
	SignatureValidCertInvalid: "SIGNATURE_VALID_CERT_INVALID",
	SignatureValidCertRevoked: "SIGNATURE_VALID_CERT_REVOKED",
	AlgorithmExpired:          "ALGORITHM_EXPIRED",
	DecodedUnsignedData:       "DECODED_UNSIGNED_DATA",
	CertValid:                 "CERT_VALID",
	CertInvalid:               "CERT_INVALID",
	SignatureInvalid:          "SIGNATURE_INVALID",
	NoData:                    "NO_DATA",
	DataMismatch:              "DATA_MISMATCH",
	DecodeFailed:              "DECODE_FAILED",
	TimestampValid:            "TIMESTAMP_VALID",
	TimestampInvalid:          "TIMESTAMP_INVALID",
	VerifyError:               "ERROR",
}

func (o VerifyOutcome) String() string {
	if name, ok := verifyOutcomeNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (o VerifyOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *VerifyOutcome) UnmarshalText(text []byte) error {
	for k, v := range verifyOutcomeNames {
		if v == string(text) {
			*o = k
			return nil
		}
	}
	return errors.Errorf("unknown verify outcome %q", text)
}

// Successful reports whether the outcome counts as a positive result.
func (o VerifyOutcome) Successful() bool {
	switch o {
	case SignatureValid, SignatureValidResigned, DecodedUnsignedData, CertValid, TimestampValid:
		return true
	}
	return false
}

// severity orders signer-level outcomes; a container is as good as its worst signer.
var severity = map[VerifyOutcome]int{
	SignatureValid:            0,
	SignatureValidResigned:    0,
	AlgorithmExpired:          1,
	SignatureValidCertInvalid: 2,
	SignatureValidCertRevoked: 3,
	SignatureInvalid:          4,
	DataMismatch:              5,
	DecodeFailed:              6,
	VerifyError:               7,
}

// Worst returns the most severe of the given signer outcomes.
func Worst(outcomes ...VerifyOutcome) VerifyOutcome {
	worst := VerifyPending
	for _, o := range outcomes {
		if worst == VerifyPending || severity[o] > severity[worst] {
			worst = o
		}
	}
	return worst
}

// SignOutcome is the result of signing one record.
type SignOutcome int

const (
	SignPending SignOutcome = iota
	Signed
	SignNotInitialized
	NoCredential
	UnsupportedFormat
	MalformedOldSignature
	EncryptionTargetInvalid
	Canceled
	SignError
)

var signOutcomeNames = map[SignOutcome]string{
	SignPending:             "PENDING",
	Signed:                  "SIGNED",
	SignNotInitialized:      "NOT_INITIALIZED",
	NoCredential:            "NO_CREDENTIAL",
	UnsupportedFormat:       "UNSUPPORTED_FORMAT",
	MalformedOldSignature:   "MALFORMED_OLD_SIGNATURE",
	EncryptionTargetInvalid: "ENCRYPTION_TARGET_INVALID",
	Canceled:                "CANCELED",
	SignError:               "ERROR",
}

func (o SignOutcome) String() string {
	if name, ok := signOutcomeNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (o SignOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// PDFAOutcome classifies a document against PDF/A.
type PDFAOutcome int

const (
	PDFAPending PDFAOutcome = iota
	PDFACompliant
	PDFANotCompliant
	PDFANotInitialized
	PDFANoData
	PDFAError
)

var pdfaOutcomeNames = map[PDFAOutcome]string{
	PDFAPending:        "PENDING",
	PDFACompliant:      "PDFA_COMPLIANT",
	PDFANotCompliant:   "PDFA_NOT_COMPLIANT",
	PDFANotInitialized: "NOT_INITIALIZED",
	PDFANoData:         "NO_DATA",
	PDFAError:          "ERROR",
}

func (o PDFAOutcome) String() string {
	if name, ok := pdfaOutcomeNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (o PDFAOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}
