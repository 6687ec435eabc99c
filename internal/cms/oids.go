package cms

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/pkg/errors"
	"github.com/sassoftware/relic/v7/lib/pkcs7"
	"github.com/sassoftware/relic/v7/lib/x509tools"
)

var (
	OIDData          = pkcs7.OidData
	OIDSignedData    = pkcs7.OidSignedData
	OIDEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}

	oidAttributeTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// HashForOID maps a digest algorithm identifier to a crypto.Hash.
func HashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	h, err := x509tools.PkixDigestToHashE(pkix.AlgorithmIdentifier{Algorithm: oid})
	if err != nil {
		return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "digest %s", oid)
	}
	return h, nil
}

// signerOpts selects the padding handed to the key and to the algorithm
// identifiers of the signer entry.
func signerOpts(h crypto.Hash, pss bool) crypto.SignerOpts {
	if pss {
		return &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	return h
}
