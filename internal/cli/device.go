package cli

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/prompt"
)

var (
	pinOldEnv string
	pinNewEnv string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Credential device commands",
}

var deviceInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the configured credential and its certificates",
	Args:  cobra.NoArgs,
	RunE:  runDeviceInfo,
}

var deviceListCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List available credential drivers",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range device.List() {
			cmd.Println(name)
		}
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "PIN management commands",
}

var pinChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the PIN of the configured credential",
	Long: `Change the PIN or password protecting the configured credential.

The current and new PIN are read from the environment variables named by
--old-pin-env and --new-pin-env, or asked for on the terminal.`,
	Example: `  OLD=1234 NEW=98765 secsign pin change --old-pin-env OLD --new-pin-env NEW`,
	Args:    cobra.NoArgs,
	RunE:    runPINChange,
}

func init() {
	deviceCmd.AddCommand(deviceInfoCmd)
	deviceCmd.AddCommand(deviceListCmd)
	addOutputFlags(deviceInfoCmd)

	pinCmd.AddCommand(pinChangeCmd)
	pinChangeCmd.Flags().StringVar(&pinOldEnv, "old-pin-env", "", "Environment variable holding the current PIN")
	pinChangeCmd.Flags().StringVar(&pinNewEnv, "new-pin-env", "", "Environment variable holding the new PIN")
}

// deviceReport is the printed form of device info.
type deviceReport struct {
	device.Info
	Signing        string `json:"signing_certificate,omitempty"`
	Authentication string `json:"authentication_certificate,omitempty"`
	Decryption     string `json:"decryption_certificate,omitempty"`
	NotAfter       string `json:"not_after,omitempty"`
}

func runDeviceInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.session.Info()
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	certs, err := a.session.InitResult()
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	rep := deviceReport{
		Info:           info,
		Signing:        subjectOf(certs.SigningCertificate),
		Authentication: subjectOf(certs.AuthenticationCertificate),
		Decryption:     subjectOf(certs.DecryptionCertificate),
	}
	if certs.SigningCertificate != nil {
		rep.NotAfter = certs.SigningCertificate.NotAfter.UTC().Format("2006-01-02T15:04:05Z")
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Driver:         %s\n", rep.Driver)
	for _, row := range [][2]string{
		{"Label", rep.Label},
		{"Serial number", rep.SerialNumber},
		{"Manufacturer", rep.Manufacturer},
		{"Model", rep.Model},
		{"Reader", rep.Reader},
		{"Firmware", rep.Firmware},
		{"Signing cert", rep.Signing},
		{"Auth cert", rep.Authentication},
		{"Decrypt cert", rep.Decryption},
		{"Valid until", rep.NotAfter},
	} {
		if row[1] != "" {
			fmt.Fprintf(w, "%-15s %s\n", row[0]+":", row[1])
		}
	}
	return nil
}

func subjectOf(c *x509.Certificate) string {
	if c == nil {
		return ""
	}
	return c.Subject.String()
}

func runPINChange(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	oldPIN, err := readPIN(ctx, pinOldEnv, "current PIN")
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	newPIN, err := readPIN(ctx, pinNewEnv, "new PIN")
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.session.ChangeCredential(ctx, oldPIN, newPIN); err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	cmd.Println("PIN changed")
	return nil
}

// readPIN takes a PIN from the named environment variable, or the terminal.
func readPIN(ctx context.Context, env, label string) (string, error) {
	if env != "" {
		v := os.Getenv(env)
		if v == "" {
			return "", errors.Errorf("environment variable %s is empty", env)
		}
		return v, nil
	}
	t := prompt.NewTerminal()
	if !t.Interactive() {
		return "", errors.Errorf("%s: no terminal and no environment variable given", label)
	}
	return t.PIN(ctx, prompt.PINRequest{Label: label})
}
