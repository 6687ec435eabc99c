package certval

import (
	"context"
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ocsp"
)

// OCSPConfig configures the OCSP client.
type OCSPConfig struct {
	// Responder overrides the URL found in the certificate.
	Responder string
	Timeout   time.Duration
	Retries   int
	// CacheSize enables an in-memory response cache when positive. Cached
	// responses are reused until their NextUpdate.
	CacheSize int
}

// OCSPClient fetches and checks OCSP responses over HTTP.
type OCSPClient struct {
	http      *resty.Client
	responder string
	cache     *lru.Cache
	now       func() time.Time
}

type cachedResponse struct {
	resp *ocsp.Response
	raw  []byte
}

// NewOCSPClient builds a client from cfg.
func NewOCSPClient(cfg OCSPConfig) (*OCSPClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &OCSPClient{
		http: resty.New().
			SetTimeout(timeout).
			SetRetryCount(cfg.Retries).
			SetRetryWaitTime(200 * time.Millisecond),
		responder: cfg.Responder,
		now:       time.Now,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New(cfg.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "create OCSP cache")
		}
		c.cache = cache
	}
	return c, nil
}

func cacheKey(cert, issuer *x509.Certificate) string {
	sum := sha1.Sum(issuer.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:]) + ":" + cert.SerialNumber.String()
}

// Fetch asks the responder for the status of cert. The returned response has
// been signature-checked against issuer.
func (c *OCSPClient) Fetch(ctx context.Context, cert, issuer *x509.Certificate) (*ocsp.Response, []byte, error) {
	key := cacheKey(cert, issuer)
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			cached := v.(cachedResponse)
			if cached.resp.NextUpdate.IsZero() || c.now().Before(cached.resp.NextUpdate) {
				log.Debug().Str("serial", cert.SerialNumber.String()).Msg("OCSP cache hit")
				return cached.resp, cached.raw, nil
			}
			c.cache.Remove(key)
		}
	}

	url := c.responder
	if url == "" && len(cert.OCSPServer) > 0 {
		url = cert.OCSPServer[0]
	}
	if url == "" {
		return nil, nil, errors.Wrap(ErrResponderUnavailable, "certificate names no OCSP responder")
	}

	reqDER, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return nil, nil, errors.Wrap(err, "create OCSP request")
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/ocsp-request").
		SetHeader("Accept", "application/ocsp-response").
		SetBody(reqDER).
		Post(url)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrResponderUnavailable, "%s: %v", url, err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, nil, errors.Wrapf(ErrResponderUnavailable, "%s: HTTP %d", url, res.StatusCode())
	}

	raw := res.Body()
	resp, err := c.Check(raw, cert, issuer)
	if err != nil {
		return nil, nil, err
	}
	if c.cache != nil && resp.Status != ocsp.Unknown {
		c.cache.Add(key, cachedResponse{resp: resp, raw: raw})
	}
	return resp, raw, nil
}

// Check parses a DER response for cert and rejects stale ones.
func (c *OCSPClient) Check(raw []byte, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return nil, errors.Wrapf(ErrResponderUnavailable, "unusable OCSP response: %v", err)
	}
	now := time.Now
	if c != nil {
		now = c.now
	}
	if !resp.NextUpdate.IsZero() && now().After(resp.NextUpdate) {
		return nil, errors.Wrapf(ErrResponderUnavailable, "stale OCSP response (next update %s)", resp.NextUpdate.Format(time.RFC3339))
	}
	return resp, nil
}
