package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/open-verix/secsign/internal/record"
)

// Config represents the complete secsign configuration.
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Trust   TrustConfig   `mapstructure:"trust"`
	OCSP    OCSPConfig    `mapstructure:"ocsp"`
	TSA     TSAConfig     `mapstructure:"tsa"`
	Signing SigningConfig `mapstructure:"signing"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DeviceConfig selects and parameterizes the credential driver.
type DeviceConfig struct {
	Driver   string         `mapstructure:"driver"`
	PINEnv   string         `mapstructure:"pin-env"`
	Software SoftwareConfig `mapstructure:"software"`
	PKCS11   PKCS11Config   `mapstructure:"pkcs11"`
}

// SoftwareConfig points at file-based credentials.
type SoftwareConfig struct {
	KeyPath    string `mapstructure:"key"`
	CertPath   string `mapstructure:"cert"`
	PKCS12Path string `mapstructure:"pkcs12"`
}

// PKCS11Config configures smart card and HSM access.
type PKCS11Config struct {
	Module     string `mapstructure:"module"`
	Slot       int    `mapstructure:"slot"`
	TokenLabel string `mapstructure:"token-label"`
	KeyLabel   string `mapstructure:"key-label"`
}

// TrustConfig lists PEM files with trust anchors and intermediates.
type TrustConfig struct {
	Roots         []string `mapstructure:"roots"`
	Intermediates []string `mapstructure:"intermediates"`
	TSARoots      []string `mapstructure:"tsa-roots"`
}

// OCSPConfig configures revocation checking.
type OCSPConfig struct {
	Mode      string `mapstructure:"mode"`
	Responder string `mapstructure:"responder"`
	Timeout   int    `mapstructure:"timeout"`
	Retries   int    `mapstructure:"retries"`
	CacheSize int    `mapstructure:"cache-size"`
}

// TSAConfig configures the timestamp authority.
type TSAConfig struct {
	URL     string `mapstructure:"url"`
	Timeout int    `mapstructure:"timeout"`
	Hash    string `mapstructure:"hash"`
}

// SigningConfig holds per-record defaults.
type SigningConfig struct {
	Format            string `mapstructure:"format"`
	Padding           string `mapstructure:"padding"`
	IncludeCert       bool   `mapstructure:"include-cert"`
	Hash              string `mapstructure:"hash"`
	MaxRecords        int    `mapstructure:"max-records"`
	OCSPMandatory     bool   `mapstructure:"ocsp-mandatory"`
	AllowResign       bool   `mapstructure:"allow-resign"`
	InteractivePrompt bool   `mapstructure:"interactive"`
}

// PolicyConfig points at the acceptance policy file.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// HistoryConfig configures the outcome journal.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Timestamps bool   `mapstructure:"timestamps"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Driver: "software",
			PINEnv: "SECSIGN_PIN",
			PKCS11: PKCS11Config{Slot: -1},
		},
		OCSP: OCSPConfig{
			Mode:    "optional",
			Timeout: 10,
			Retries: 2,
		},
		TSA: TSAConfig{
			Timeout: 15,
			Hash:    "SHA256",
		},
		Signing: SigningConfig{
			Format:      string(record.FormatPKCS7Detached),
			Padding:     string(record.PaddingPKCS1v15),
			IncludeCert: true,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    ".secsign/history.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Timestamps: true,
		},
	}
}

// Load loads configuration from file, environment variables, and defaults.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (SECSIGN_*)
//  2. Configuration file (secsign.yaml)
//  3. Default values
//
// With an empty configPath the loader looks for secsign.yaml in the current
// directory only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("secsign")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SECSIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get current directory")
		}
		v.AddConfigPath(cwd)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("device.driver", d.Device.Driver)
	v.SetDefault("device.pin-env", d.Device.PINEnv)
	v.SetDefault("device.software.key", d.Device.Software.KeyPath)
	v.SetDefault("device.software.cert", d.Device.Software.CertPath)
	v.SetDefault("device.software.pkcs12", d.Device.Software.PKCS12Path)
	v.SetDefault("device.pkcs11.module", d.Device.PKCS11.Module)
	v.SetDefault("device.pkcs11.slot", d.Device.PKCS11.Slot)
	v.SetDefault("device.pkcs11.token-label", d.Device.PKCS11.TokenLabel)
	v.SetDefault("device.pkcs11.key-label", d.Device.PKCS11.KeyLabel)

	v.SetDefault("trust.roots", d.Trust.Roots)
	v.SetDefault("trust.intermediates", d.Trust.Intermediates)
	v.SetDefault("trust.tsa-roots", d.Trust.TSARoots)

	v.SetDefault("ocsp.mode", d.OCSP.Mode)
	v.SetDefault("ocsp.responder", d.OCSP.Responder)
	v.SetDefault("ocsp.timeout", d.OCSP.Timeout)
	v.SetDefault("ocsp.retries", d.OCSP.Retries)
	v.SetDefault("ocsp.cache-size", d.OCSP.CacheSize)

	v.SetDefault("tsa.url", d.TSA.URL)
	v.SetDefault("tsa.timeout", d.TSA.Timeout)
	v.SetDefault("tsa.hash", d.TSA.Hash)

	v.SetDefault("signing.format", d.Signing.Format)
	v.SetDefault("signing.padding", d.Signing.Padding)
	v.SetDefault("signing.include-cert", d.Signing.IncludeCert)
	v.SetDefault("signing.hash", d.Signing.Hash)
	v.SetDefault("signing.max-records", d.Signing.MaxRecords)
	v.SetDefault("signing.ocsp-mandatory", d.Signing.OCSPMandatory)
	v.SetDefault("signing.allow-resign", d.Signing.AllowResign)
	v.SetDefault("signing.interactive", d.Signing.InteractivePrompt)

	v.SetDefault("policy.path", d.Policy.Path)

	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.timestamps", d.Logging.Timestamps)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validDrivers := map[string]bool{
		"software": true,
		"pkcs11":   true,
	}
	if !validDrivers[c.Device.Driver] {
		return errors.Errorf("invalid device driver: %s (must be software or pkcs11)", c.Device.Driver)
	}

	if c.Device.Driver == "pkcs11" && c.Device.PKCS11.Module == "" {
		return errors.New("pkcs11 driver requires device.pkcs11.module to be set")
	}

	for _, p := range []string{c.Device.Software.KeyPath, c.Device.Software.CertPath, c.Device.Software.PKCS12Path} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return errors.Errorf("credential file not found: %s", p)
		}
	}

	validModes := map[string]bool{
		"off":       true,
		"optional":  true,
		"mandatory": true,
	}
	if !validModes[c.OCSP.Mode] {
		return errors.Errorf("invalid ocsp mode: %s (must be off, optional or mandatory)", c.OCSP.Mode)
	}
	if c.OCSP.Timeout < 0 || c.OCSP.Retries < 0 || c.OCSP.CacheSize < 0 {
		return errors.New("ocsp timeout, retries and cache-size must not be negative")
	}

	if c.TSA.Hash != "" {
		if _, err := record.ParseHash(c.TSA.Hash); err != nil {
			return errors.Wrap(err, "invalid tsa hash")
		}
	}

	if f := record.SignatureFormat(c.Signing.Format); !f.Valid() {
		return errors.Errorf("invalid signing format: %s", c.Signing.Format)
	}
	validPaddings := map[string]bool{
		string(record.PaddingPKCS1v15): true,
		string(record.PaddingPSS):      true,
	}
	if !validPaddings[c.Signing.Padding] {
		return errors.Errorf("invalid signing padding: %s (must be PKCS1_V1_5 or PSS)", c.Signing.Padding)
	}
	if c.Signing.Hash != "" {
		if _, err := record.ParseHash(c.Signing.Hash); err != nil {
			return errors.Wrap(err, "invalid signing hash")
		}
	}
	if c.Signing.MaxRecords < 0 {
		return errors.Errorf("invalid signing max-records: %d", c.Signing.MaxRecords)
	}

	if c.History.Enabled && c.History.Path == "" {
		return errors.New("history is enabled but history.path is empty")
	}
	if c.History.Path != "" && strings.HasSuffix(c.History.Path, string(filepath.Separator)) {
		return errors.Errorf("history path must be a file: %s", c.History.Path)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return errors.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.Errorf("invalid logging format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
