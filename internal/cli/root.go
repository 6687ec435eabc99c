package cli

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/config"
	"github.com/open-verix/secsign/internal/logging"
)

var (
	// Version is set at build time via ldflags
	Version = "0.1.0"
	// GitCommit is set at build time via ldflags
	GitCommit = "unknown"
	// BuildDate is set at build time via ldflags
	BuildDate = "unknown"
)

// SetVersion sets the version information from main package
func SetVersion(version, commit, buildTime string) {
	if version != "" {
		Version = version
	}
	if commit != "" {
		GitCommit = commit
	}
	if buildTime != "" {
		BuildDate = buildTime
	}
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(versionText())
}

var (
	configPath string
	logLevel   string
	logFormat  string

	// cfg is loaded once per invocation by the root pre-run hook.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "secsign",
	Short: "Sign, verify and encrypt documents with certificate-based credentials",
	Long: `secsign signs and verifies documents with X.509 credentials held in a
PKCS#12 file, PEM files or a PKCS#11 smart card or HSM.

Supported containers:
  • PKCS#7 / CMS SignedData, detached or with embedded content
  • PDF signatures in incremental updates
  • Enveloped XML-DSig with node selection and transform filters
  • CMS EnvelopedData for encryption to recipient certificates

Every command works on a batch of files and reports one outcome per file.

Exit Codes:
  0 - Every record reached a successful outcome
  1 - Fatal error (configuration, device, or every record failed)
  2 - Partial success (some records did not reach a successful outcome)

Configuration is read from secsign.yaml in the working directory, the file
named by --config, and SECSIGN_* environment variables.
`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		if logFormat != "" {
			loaded.Logging.Format = logFormat
		}
		if err := loaded.Validate(); err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "invalid configuration")}
		}
		if err := logging.Setup(loaded.Logging, cmd.ErrOrStderr()); err != nil {
			return &ExitError{Code: ExitFatal, Err: err}
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetVersionTemplate(versionText())

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to secsign.yaml configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format override (text, json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(timestampCmd)
	rootCmd.AddCommand(pdfaCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(keygenCmd)
}

func versionText() string {
	return fmt.Sprintf("secsign version %s\n  commit: %s\n  built:  %s\n  go:     %s\n",
		Version, GitCommit, BuildDate, runtime.Version())
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Print(versionText())
	},
}
