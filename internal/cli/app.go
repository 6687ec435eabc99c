package cli

import (
	"context"
	"crypto/x509"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/open-verix/secsign/internal/certval"
	"github.com/open-verix/secsign/internal/config"
	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/history"
	"github.com/open-verix/secsign/internal/policy"
	"github.com/open-verix/secsign/internal/prompt"
	"github.com/open-verix/secsign/internal/record"
	"github.com/open-verix/secsign/internal/session"
	"github.com/open-verix/secsign/internal/signing"
	"github.com/open-verix/secsign/internal/tsp"
)

// app bundles an initialized session with the resources it owns.
type app struct {
	session *session.Session
	store   *history.Store
}

// openApp builds the session described by c and opens its device.
func openApp(ctx context.Context, c *config.Config) (*app, error) {
	sess, store, err := buildSession(ctx, c)
	if err != nil {
		return nil, &ExitError{Code: ExitFatal, Err: err}
	}
	a := &app{session: sess, store: store}
	if _, err := sess.Initialize(ctx); err != nil {
		a.Close()
		return nil, &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "initialize device")}
	}
	return a, nil
}

// Close releases the device and the journal.
func (a *app) Close() {
	if err := a.session.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close session")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close history")
		}
	}
}

// buildSession wires every engine dependency from configuration. The
// session is returned uninitialized.
func buildSession(ctx context.Context, c *config.Config) (*session.Session, *history.Store, error) {
	driver, err := device.Get(c.Device.Driver)
	if err != nil {
		return nil, nil, err
	}

	pin := ""
	if c.Device.PINEnv != "" {
		pin = os.Getenv(c.Device.PINEnv)
	}
	opts := device.Options{
		KeyPath:    c.Device.Software.KeyPath,
		CertPath:   c.Device.Software.CertPath,
		PKCS12Path: c.Device.Software.PKCS12Path,
		PIN:        pin,
		Module:     c.Device.PKCS11.Module,
		Slot:       c.Device.PKCS11.Slot,
		TokenLabel: c.Device.PKCS11.TokenLabel,
		KeyLabel:   c.Device.PKCS11.KeyLabel,
	}

	var prompter prompt.CredentialPrompter = &prompt.Static{PINValue: pin}
	if c.Signing.InteractivePrompt {
		if t := prompt.NewTerminal(); t.Interactive() {
			prompter = t
		} else {
			log.Warn().Msg("interactive prompting requested but stdin is not a terminal")
		}
	}

	validator, err := buildValidator(c)
	if err != nil {
		return nil, nil, err
	}

	pcfg, err := policy.LoadConfig(c.Policy.Path)
	if err != nil {
		return nil, nil, err
	}
	engine, err := policy.NewEngine(pcfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "compile policy rules")
	}
	algorithms := engine.Algorithms()

	tsaRoots, err := loadPool(c.Trust.TSARoots)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load TSA roots")
	}
	if tsaRoots == nil {
		tsaRoots = validator.Roots()
	}

	var stamper signing.Stamper
	if c.TSA.URL != "" {
		h, err := record.ParseHash(c.TSA.Hash)
		if err != nil {
			return nil, nil, err
		}
		client, err := tsp.NewClient(tsp.ClientConfig{
			URL:     c.TSA.URL,
			Hash:    h,
			Timeout: time.Duration(c.TSA.Timeout) * time.Second,
			Retries: c.OCSP.Retries,
		})
		if err != nil {
			return nil, nil, err
		}
		stamper = client
	}

	var (
		store   *history.Store
		journal session.Journal
	)
	if c.History.Enabled {
		store, err = history.Open(ctx, c.History.Path)
		if err != nil {
			return nil, nil, err
		}
		journal = store
	}

	sess := session.New(session.Config{
		Driver:        driver,
		Device:        opts,
		Prompter:      prompter,
		Algorithms:    algorithms,
		Policy:        engine,
		Certificates:  validator,
		Timestamps:    tsp.NewValidator(tsaRoots, algorithms),
		Stamper:       stamper,
		TSAURL:        c.TSA.URL,
		DefaultFormat: record.SignatureFormat(c.Signing.Format),
		MaxRecords:    c.Signing.MaxRecords,
		Journal:       journal,
	})
	return sess, store, nil
}

func buildValidator(c *config.Config) (*certval.Validator, error) {
	roots, err := loadPool(c.Trust.Roots)
	if err != nil {
		return nil, errors.Wrap(err, "load trust roots")
	}
	intermediates, err := certval.LoadCertificates(c.Trust.Intermediates)
	if err != nil {
		return nil, errors.Wrap(err, "load intermediates")
	}
	mode, err := certval.ParseOCSPMode(c.OCSP.Mode)
	if err != nil {
		return nil, err
	}

	var client *certval.OCSPClient
	if mode != certval.OCSPOff {
		client, err = certval.NewOCSPClient(certval.OCSPConfig{
			Responder: c.OCSP.Responder,
			Timeout:   time.Duration(c.OCSP.Timeout) * time.Second,
			Retries:   c.OCSP.Retries,
			CacheSize: c.OCSP.CacheSize,
		})
		if err != nil {
			return nil, err
		}
	}
	return certval.New(certval.Config{
		Roots:         roots,
		Intermediates: intermediates,
		OCSP:          client,
		Mode:          mode,
	}), nil
}

// loadPool returns nil for no paths, which callers treat as the system pool.
func loadPool(paths []string) (*x509.CertPool, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	certs, err := certval.LoadCertificates(paths)
	if err != nil {
		return nil, err
	}
	return certval.PoolOf(certs), nil
}
