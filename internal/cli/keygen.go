package cli

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/device/software"
)

var (
	keygenCommonName string
	keygenDays       int
	keygenBits       int
	keygenECDSA      bool
	keygenPKCS12     string
	keygenKeyPath    string
	keygenCertPath   string
	keygenPINEnv     string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a self-signed development credential",
	Long: `Generate a key pair and a self-signed certificate for local testing.

The credential is written as a PKCS#12 file (--pkcs12, protected by the PIN
from --pin-env) or as PEM key and certificate files (--key and --cert).

Self-signed credentials verify only when their certificate is listed under
trust.roots.`,
	Example: `  # PKCS#12 protected by $SECSIGN_PIN
  SECSIGN_PIN=1234 secsign keygen --cn "Jane Doe" --pkcs12 dev/jane.p12

  # Unencrypted PEM files
  secsign keygen --cn "Build Bot" --key dev/bot.key --cert dev/bot.pem`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenCommonName, "cn", "secsign development", "Certificate common name")
	keygenCmd.Flags().IntVar(&keygenDays, "days", 365, "Certificate validity in days")
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 3072, "RSA key size")
	keygenCmd.Flags().BoolVar(&keygenECDSA, "ecdsa", false, "Generate an ECDSA P-256 key instead of RSA")
	keygenCmd.Flags().StringVar(&keygenPKCS12, "pkcs12", "", "Write a PKCS#12 file")
	keygenCmd.Flags().StringVar(&keygenKeyPath, "key", "", "Write the private key as PEM")
	keygenCmd.Flags().StringVar(&keygenCertPath, "cert", "", "Write the certificate as PEM")
	keygenCmd.Flags().StringVar(&keygenPINEnv, "pin-env", "", "Environment variable with the PKCS#12 PIN (defaults to device.pin-env)")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if keygenPKCS12 == "" && (keygenKeyPath == "" || keygenCertPath == "") {
		return &ExitError{Code: ExitFatal, Err: errors.New("give --pkcs12, or both --key and --cert")}
	}
	if keygenDays <= 0 {
		return &ExitError{Code: ExitFatal, Err: errors.Errorf("invalid --days %d", keygenDays)}
	}

	key, cert, err := generateCredential(keygenCommonName, keygenDays, keygenBits, keygenECDSA)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	for _, p := range []string{keygenPKCS12, keygenKeyPath, keygenCertPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrapf(err, "create directory for %s", p)}
		}
	}

	if keygenPKCS12 != "" {
		env := keygenPINEnv
		if env == "" {
			env = cfg.Device.PINEnv
		}
		pin := os.Getenv(env)
		if pin == "" {
			return &ExitError{Code: ExitFatal, Err: errors.Errorf("PKCS#12 output needs a PIN in $%s", env)}
		}
		if err := software.WritePKCS12(keygenPKCS12, key, cert, nil, pin); err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		cmd.Printf("Credential written: %s\n", keygenPKCS12)
	}
	if keygenKeyPath != "" && keygenCertPath != "" {
		if err := software.WritePEM(keygenKeyPath, keygenCertPath, key, cert, nil); err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		cmd.Printf("Private key: %s (keep secret!)\n", keygenKeyPath)
		cmd.Printf("Certificate: %s\n", keygenCertPath)
	}
	cmd.Printf("Subject: %s, valid until %s\n", cert.Subject, cert.NotAfter.UTC().Format(time.RFC3339))
	cmd.Println("These credentials are for DEVELOPMENT ONLY.")
	return nil
}

// generateCredential creates a key and a self-signed certificate usable for
// signing and, for RSA, key encipherment.
func generateCredential(cn string, days, bits int, useECDSA bool) (crypto.Signer, *x509.Certificate, error) {
	var (
		key   crypto.Signer
		usage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
		err   error
	)
	if useECDSA {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		if bits < 2048 {
			return nil, nil, errors.Errorf("RSA keys need at least 2048 bits, got %d", bits)
		}
		key, err = rsa.GenerateKey(rand.Reader, bits)
		usage |= x509.KeyUsageKeyEncipherment
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate serial")
	}
	now := time.Now().Add(-time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, days),
		KeyUsage:              usage | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse certificate")
	}
	return key, cert, nil
}
