package policy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
)

const dateLayout = "2006-01-02"

// AlgorithmPolicy lists when algorithms stop being trusted and which hashes
// to prefer when a request leaves the choice open.
type AlgorithmPolicy struct {
	// Hashes maps a hash name (SHA1, SHA256, ...) to its expiry date.
	Hashes map[string]string `yaml:"hashes,omitempty" json:"hashes,omitempty"`

	// RSAMinBits expires RSA keys of at most Bits bits at Expires.
	RSAMinBits []KeySizeRule `yaml:"rsa-min-bits,omitempty" json:"rsa_min_bits,omitempty"`

	// Preference orders hashes for automatic selection, strongest first.
	Preference []string `yaml:"preference,omitempty" json:"preference,omitempty"`
}

// KeySizeRule expires keys up to a size.
type KeySizeRule struct {
	Bits    int    `yaml:"bits" json:"bits"`
	Expires string `yaml:"expires" json:"expires"`
}

// DefaultAlgorithmPolicy returns the built-in expiry table.
func DefaultAlgorithmPolicy() *AlgorithmPolicy {
	return &AlgorithmPolicy{
		Hashes: map[string]string{
			"MD5":  "2009-01-01",
			"SHA1": "2016-01-01",
		},
		RSAMinBits: []KeySizeRule{
			{Bits: 1024, Expires: "2014-01-01"},
		},
		Preference: []string{"SHA512", "SHA384", "SHA256"},
	}
}

// Validate checks names and dates.
func (p *AlgorithmPolicy) Validate() error {
	for name, date := range p.Hashes {
		if _, err := record.ParseHash(name); err != nil {
			return err
		}
		if _, err := time.Parse(dateLayout, date); err != nil {
			return errors.Wrapf(err, "hash %s expiry", name)
		}
	}
	for _, r := range p.RSAMinBits {
		if r.Bits <= 0 {
			return errors.Errorf("rsa-min-bits entry has invalid size %d", r.Bits)
		}
		if _, err := time.Parse(dateLayout, r.Expires); err != nil {
			return errors.Wrapf(err, "rsa %d expiry", r.Bits)
		}
	}
	for _, name := range p.Preference {
		if _, err := record.ParseHash(name); err != nil {
			return err
		}
	}
	return nil
}

// HashExpiry returns the expiry of h, if the policy sets one.
func (p *AlgorithmPolicy) HashExpiry(h crypto.Hash) (time.Time, bool) {
	for name, date := range p.Hashes {
		ph, err := record.ParseHash(name)
		if err != nil || ph != h {
			continue
		}
		t, err := time.Parse(dateLayout, date)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// KeyExpiry returns the earliest expiry applying to pub, if any.
func (p *AlgorithmPolicy) KeyExpiry(pub crypto.PublicKey) (time.Time, bool) {
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return time.Time{}, false
	}
	bits := rsaKey.N.BitLen()

	var earliest time.Time
	found := false
	for _, r := range p.RSAMinBits {
		if bits > r.Bits {
			continue
		}
		t, err := time.Parse(dateLayout, r.Expires)
		if err != nil {
			continue
		}
		if !found || t.Before(earliest) {
			earliest, found = t, true
		}
	}
	return earliest, found
}

// Expiry is the moment an algorithm combination stopped being trusted.
type Expiry struct {
	At     time.Time
	Reason string
}

// Expiry returns the earliest expiry among the hash and key, if either has one.
func (p *AlgorithmPolicy) Expiry(h crypto.Hash, pub crypto.PublicKey) (Expiry, bool) {
	var out Expiry
	found := false
	if t, ok := p.HashExpiry(h); ok {
		out, found = Expiry{At: t, Reason: fmt.Sprintf("hash %s expired on %s", record.HashName(h), t.Format(dateLayout))}, true
	}
	if t, ok := p.KeyExpiry(pub); ok && (!found || t.Before(out.At)) {
		bits := 0
		if k, ok := pub.(*rsa.PublicKey); ok {
			bits = k.N.BitLen()
		}
		out, found = Expiry{At: t, Reason: fmt.Sprintf("RSA-%d expired on %s", bits, t.Format(dateLayout))}, true
	}
	return out, found
}

// ExpiredAt reports whether h with pub is expired at the given time.
func (p *AlgorithmPolicy) ExpiredAt(h crypto.Hash, pub crypto.PublicKey, at time.Time) (Expiry, bool) {
	e, ok := p.Expiry(h, pub)
	if !ok || at.Before(e.At) {
		return Expiry{}, false
	}
	return e, true
}

// SelectHash picks a hash for a new signature: the curve's matching hash for
// ECDSA keys, otherwise the first preferred hash the credential supports and
// the policy has not expired. An empty supported list means "anything".
func (p *AlgorithmPolicy) SelectHash(pub crypto.PublicKey, supported []crypto.Hash, now time.Time) (crypto.Hash, error) {
	usable := func(h crypto.Hash) bool {
		if !h.Available() {
			return false
		}
		if t, ok := p.HashExpiry(h); ok && !now.Before(t) {
			return false
		}
		if len(supported) == 0 {
			return true
		}
		for _, s := range supported {
			if s == h {
				return true
			}
		}
		return false
	}

	if k, ok := pub.(*ecdsa.PublicKey); ok {
		var h crypto.Hash
		switch k.Curve {
		case elliptic.P256():
			h = crypto.SHA256
		case elliptic.P384():
			h = crypto.SHA384
		case elliptic.P521():
			h = crypto.SHA512
		}
		if h != 0 && usable(h) {
			return h, nil
		}
	}

	prefs := p.Preference
	if len(prefs) == 0 {
		prefs = DefaultAlgorithmPolicy().Preference
	}
	for _, name := range prefs {
		h, err := record.ParseHash(name)
		if err != nil {
			continue
		}
		if usable(h) {
			return h, nil
		}
	}

	// Fall back to anything the credential offers that is still trusted,
	// strongest first.
	candidates := append([]crypto.Hash(nil), supported...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Size() > candidates[j].Size() })
	for _, h := range candidates {
		if usable(h) {
			return h, nil
		}
	}
	return 0, errors.New("no acceptable hash algorithm is supported by the credential")
}
