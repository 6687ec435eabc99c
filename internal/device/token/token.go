// Package token implements the "pkcs11" device driver for smart cards and
// HSMs reachable through a PKCS#11 module.
package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/open-verix/secsign/internal/device"
	"github.com/open-verix/secsign/internal/prompt"
)

// DriverName is the registry name of this driver.
const DriverName = "pkcs11"

// Driver opens PKCS#11 tokens.
type Driver struct{}

// NewDriver returns the PKCS#11 driver.
func NewDriver() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string { return DriverName }

// Open loads the module, finds the token, logs in and resolves the
// certificate and its private key.
func (d *Driver) Open(ctx context.Context, opts device.Options, p prompt.CredentialPrompter) (device.Credential, error) {
	if opts.Module == "" {
		return nil, errors.New("pkcs11 device requires a module path")
	}
	if _, err := os.Stat(opts.Module); err != nil {
		return nil, errors.Wrapf(err, "PKCS#11 module %s", opts.Module)
	}

	p11 := pkcs11.New(opts.Module)
	if p11 == nil {
		return nil, errors.Errorf("failed to load PKCS#11 module %s", opts.Module)
	}
	if err := p11.Initialize(); err != nil {
		p11.Destroy()
		return nil, errors.Wrap(err, "initialize PKCS#11 module")
	}

	t := &Token{ctx: p11}
	if err := t.open(ctx, opts, p); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

// Token is a logged-in PKCS#11 session.
type Token struct {
	mu       sync.Mutex
	ctx      *pkcs11.Ctx
	slot     uint
	session  pkcs11.SessionHandle
	active   bool
	key      pkcs11.ObjectHandle
	cert     *x509.Certificate
	chain    []*x509.Certificate
	info     device.Info
	hashes   []crypto.Hash
}

func (t *Token) open(ctx context.Context, opts device.Options, p prompt.CredentialPrompter) error {
	slot, err := t.findSlot(opts)
	if err != nil {
		return err
	}
	t.slot = slot
	t.info = t.readInfo()

	session, err := t.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return errors.Wrapf(err, "open session on slot %d", slot)
	}
	t.session = session
	t.active = true

	if err := t.login(ctx, opts, p); err != nil {
		return err
	}

	certs, err := t.certificates()
	if err != nil {
		return err
	}
	cert, id, err := t.chooseCertificate(ctx, certs, opts.KeyLabel, p)
	if err != nil {
		return err
	}
	key, err := t.findObject(pkcs11.CKO_PRIVATE_KEY, id, opts.KeyLabel)
	if err != nil {
		return errors.Wrap(err, "find private key")
	}
	t.cert = cert
	t.key = key
	for _, c := range certs {
		if !c.cert.Equal(cert) && c.cert.IsCA {
			t.chain = append(t.chain, c.cert)
		}
	}
	t.hashes = t.supportedHashes()

	log.Info().Str("token", t.info.Label).Str("subject", cert.Subject.CommonName).Msg("PKCS#11 token opened")
	return nil
}

func (t *Token) findSlot(opts device.Options) (uint, error) {
	slots, err := t.ctx.GetSlotList(true)
	if err != nil {
		return 0, errors.Wrap(err, "list PKCS#11 slots")
	}
	if len(slots) == 0 {
		return 0, errors.New("no token present")
	}
	for _, s := range slots {
		if opts.TokenLabel != "" {
			ti, err := t.ctx.GetTokenInfo(s)
			if err == nil && strings.TrimSpace(ti.Label) == opts.TokenLabel {
				return s, nil
			}
			continue
		}
		if opts.Slot < 0 || uint(opts.Slot) == s {
			return s, nil
		}
	}
	if opts.TokenLabel != "" {
		return 0, errors.Errorf("no token labelled %q; available slots: %v", opts.TokenLabel, slots)
	}
	return 0, errors.Errorf("slot %d has no token; available slots: %v", opts.Slot, slots)
}

func (t *Token) readInfo() device.Info {
	info := device.Info{Driver: DriverName}
	if ti, err := t.ctx.GetTokenInfo(t.slot); err == nil {
		info.Label = strings.TrimSpace(ti.Label)
		info.SerialNumber = strings.TrimSpace(ti.SerialNumber)
		info.Manufacturer = strings.TrimSpace(ti.ManufacturerID)
		info.Model = strings.TrimSpace(ti.Model)
		info.Firmware = fmt.Sprintf("%d.%d", ti.FirmwareVersion.Major, ti.FirmwareVersion.Minor)
	}
	if si, err := t.ctx.GetSlotInfo(t.slot); err == nil {
		info.Reader = strings.TrimSpace(si.SlotDescription)
	}
	return info
}

const maxPINAttempts = 3

func (t *Token) login(ctx context.Context, opts device.Options, p prompt.CredentialPrompter) error {
	req := prompt.PINRequest{Label: t.info.Label}
	for attempt := 0; attempt < maxPINAttempts; attempt++ {
		pin, err := device.AskPIN(ctx, opts, p, req)
		if err != nil {
			return err
		}
		err = t.ctx.Login(t.session, pkcs11.CKU_USER, pin)
		if err == nil {
			return nil
		}
		if isError(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			return nil
		}
		if isError(err, pkcs11.CKR_PIN_LOCKED) {
			return errors.Wrap(device.ErrWrongPIN, "PIN locked")
		}
		if !isError(err, pkcs11.CKR_PIN_INCORRECT) {
			return errors.Wrap(err, "PKCS#11 login")
		}
		log.Debug().Str("token", t.info.Label).Int("attempt", attempt+1).Msg("wrong PIN")
		req.Retry = true
		req.RetriesLeft = maxPINAttempts - attempt - 1
	}
	return device.ErrWrongPIN
}

func isError(err error, code uint) bool {
	var p11err pkcs11.Error
	return errors.As(err, &p11err) && uint(p11err) == code
}

type tokenCert struct {
	cert  *x509.Certificate
	id    []byte
	label string
}

func (t *Token) certificates() ([]tokenCert, error) {
	handles, err := t.find([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_CERTIFICATE_TYPE, pkcs11.CKC_X_509),
	}, 64)
	if err != nil {
		return nil, errors.Wrap(err, "find certificates")
	}

	var out []tokenCert
	for _, h := range handles {
		attrs, err := t.ctx.GetAttributeValue(t.session, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		})
		if err != nil || len(attrs) < 3 {
			continue
		}
		cert, err := x509.ParseCertificate(attrs[0].Value)
		if err != nil {
			log.Debug().Err(err).Msg("skipping unparsable token certificate")
			continue
		}
		out = append(out, tokenCert{cert: cert, id: attrs[1].Value, label: string(attrs[2].Value)})
	}
	if len(out) == 0 {
		return nil, errors.New("token holds no X.509 certificate")
	}
	return out, nil
}

func (t *Token) chooseCertificate(ctx context.Context, certs []tokenCert, label string, p prompt.CredentialPrompter) (*x509.Certificate, []byte, error) {
	var candidates []tokenCert
	for _, c := range certs {
		if c.cert.IsCA {
			continue
		}
		if label != "" && c.label != label {
			continue
		}
		candidates = append(candidates, c)
	}
	switch len(candidates) {
	case 0:
		return nil, nil, errors.New("no end-entity certificate on token")
	case 1:
		return candidates[0].cert, candidates[0].id, nil
	}
	if p == nil {
		return candidates[0].cert, candidates[0].id, nil
	}

	list := make([]*x509.Certificate, len(candidates))
	for i, c := range candidates {
		list[i] = c.cert
	}
	chosen, err := p.SelectCertificate(ctx, list)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range candidates {
		if c.cert.Equal(chosen) {
			return c.cert, c.id, nil
		}
	}
	return nil, nil, errors.New("selected certificate is not on the token")
}

func (t *Token) findObject(class uint, id []byte, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, class)}
	if len(id) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	} else if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, []byte(label)))
	}
	handles, err := t.find(template, 1)
	if err != nil {
		return 0, err
	}
	if len(handles) == 0 {
		return 0, errors.New("object not found")
	}
	return handles[0], nil
}

func (t *Token) find(template []*pkcs11.Attribute, limit int) ([]pkcs11.ObjectHandle, error) {
	if err := t.ctx.FindObjectsInit(t.session, template); err != nil {
		return nil, errors.Wrap(err, "initialize object search")
	}
	handles, _, err := t.ctx.FindObjects(t.session, limit)
	if finalErr := t.ctx.FindObjectsFinal(t.session); finalErr != nil && err == nil {
		err = finalErr
	}
	return handles, err
}

var hashMechanisms = []struct {
	hash crypto.Hash
	mech uint
}{
	{crypto.SHA1, pkcs11.CKM_SHA1_RSA_PKCS},
	{crypto.SHA256, pkcs11.CKM_SHA256_RSA_PKCS},
	{crypto.SHA384, pkcs11.CKM_SHA384_RSA_PKCS},
	{crypto.SHA512, pkcs11.CKM_SHA512_RSA_PKCS},
}

func (t *Token) supportedHashes() []crypto.Hash {
	if _, ok := t.cert.PublicKey.(*rsa.PublicKey); !ok {
		return device.DefaultHashes()
	}
	mechs, err := t.ctx.GetMechanismList(t.slot)
	if err != nil {
		return device.DefaultHashes()
	}
	have := make(map[uint]bool, len(mechs))
	for _, m := range mechs {
		have[m.Mechanism] = true
	}
	var out []crypto.Hash
	for _, hm := range hashMechanisms {
		if have[hm.mech] {
			out = append(out, hm.hash)
		}
	}
	if len(out) == 0 {
		// Raw CKM_RSA_PKCS signs any DigestInfo.
		return device.DefaultHashes()
	}
	return out
}

func (t *Token) InitResult() device.InitResult {
	return device.InitResult{
		SigningCertificate:        t.cert,
		AuthenticationCertificate: t.cert,
		DecryptionCertificate:     t.cert,
		Chain:                     t.chain,
	}
}

func (t *Token) Signer(ctx context.Context) (crypto.Signer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil, device.ErrClosed
	}
	return &tokenKey{t: t}, ctx.Err()
}

func (t *Token) Decrypter(ctx context.Context) (crypto.Decrypter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil, device.ErrClosed
	}
	if _, ok := t.cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, errors.Wrap(device.ErrUnsupported, "decryption requires an RSA key")
	}
	return &tokenKey{t: t}, ctx.Err()
}

func (t *Token) SupportedHashes() []crypto.Hash {
	return t.hashes
}

// ChangeCredential changes the user PIN on the token.
func (t *Token) ChangeCredential(ctx context.Context, oldPIN, newPIN string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return device.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.ctx.SetPIN(t.session, oldPIN, newPIN); err != nil {
		if isError(err, pkcs11.CKR_PIN_INCORRECT) {
			return device.ErrWrongPIN
		}
		return errors.Wrap(err, "change PIN")
	}
	return nil
}

func (t *Token) Info() device.Info {
	return t.info
}

func (t *Token) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return nil
	}
	if t.active {
		_ = t.ctx.Logout(t.session)
		_ = t.ctx.CloseSession(t.session)
		t.active = false
	}
	_ = t.ctx.Finalize()
	t.ctx.Destroy()
	t.ctx = nil
	return nil
}

// tokenKey performs private key operations on the token.
type tokenKey struct {
	t *Token
}

func (k *tokenKey) Public() crypto.PublicKey {
	return k.t.cert.PublicKey
}

func (k *tokenKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	k.t.mu.Lock()
	defer k.t.mu.Unlock()
	if !k.t.active {
		return nil, device.ErrClosed
	}

	var mech *pkcs11.Mechanism
	input := digest
	switch k.t.cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if pss, ok := opts.(*rsa.PSSOptions); ok {
			params, err := pssParams(pss)
			if err != nil {
				return nil, err
			}
			mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params)
		} else {
			prefixed, err := digestInfo(opts.HashFunc(), digest)
			if err != nil {
				return nil, err
			}
			input = prefixed
			mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		}
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	default:
		return nil, errors.Wrapf(device.ErrUnsupported, "key type %T", k.t.cert.PublicKey)
	}

	if err := k.t.ctx.SignInit(k.t.session, []*pkcs11.Mechanism{mech}, k.t.key); err != nil {
		return nil, errors.Wrap(err, "initialize signing")
	}
	sig, err := k.t.ctx.Sign(k.t.session, input)
	if err != nil {
		return nil, errors.Wrap(err, "sign digest")
	}
	if mech.Mechanism == pkcs11.CKM_ECDSA {
		return ecdsaDER(sig)
	}
	return sig, nil
}

func (k *tokenKey) Decrypt(_ io.Reader, msg []byte, _ crypto.DecrypterOpts) ([]byte, error) {
	k.t.mu.Lock()
	defer k.t.mu.Unlock()
	if !k.t.active {
		return nil, device.ErrClosed
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	if err := k.t.ctx.DecryptInit(k.t.session, mech, k.t.key); err != nil {
		return nil, errors.Wrap(err, "initialize decryption")
	}
	out, err := k.t.ctx.Decrypt(k.t.session, msg)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt")
	}
	return out, nil
}

// DigestInfo prefixes from RFC 8017 section 9.2.
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

func digestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	prefix, ok := digestInfoPrefixes[h]
	if !ok {
		return nil, errors.Wrapf(device.ErrUnsupported, "hash %v", h)
	}
	if len(digest) != h.Size() {
		return nil, errors.Errorf("digest length %d does not match %v", len(digest), h)
	}
	return append(append([]byte{}, prefix...), digest...), nil
}

var pssMechanisms = map[crypto.Hash][2]uint{
	crypto.SHA1:   {pkcs11.CKM_SHA_1, pkcs11.CKG_MGF1_SHA1},
	crypto.SHA256: {pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256},
	crypto.SHA384: {pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384},
	crypto.SHA512: {pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512},
}

func pssParams(opts *rsa.PSSOptions) ([]byte, error) {
	h := opts.HashFunc()
	m, ok := pssMechanisms[h]
	if !ok {
		return nil, errors.Wrapf(device.ErrUnsupported, "PSS with %v", h)
	}
	salt := opts.SaltLength
	if salt == rsa.PSSSaltLengthEqualsHash || salt == rsa.PSSSaltLengthAuto {
		salt = h.Size()
	}
	return pkcs11.NewPSSParams(m[0], m[1], uint(salt)), nil
}

// ecdsaDER converts the PKCS#11 r||s encoding to ASN.1.
func ecdsaDER(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, errors.Errorf("malformed ECDSA signature of %d bytes", len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}
