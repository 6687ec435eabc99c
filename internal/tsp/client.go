package tsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"math/big"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrTSAUnavailable indicates the timestamp authority could not be reached
// or refused the request.
var ErrTSAUnavailable = errors.New("tsp: timestamp authority unavailable")

// ClientConfig configures a TSA client.
type ClientConfig struct {
	URL     string
	Hash    crypto.Hash
	Timeout time.Duration
	Retries int
}

// Client requests timestamp tokens over HTTP.
type Client struct {
	http *resty.Client
	url  string
	hash crypto.Hash
}

// NewClient builds a client; the hash defaults to SHA-256.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("TSA URL is required")
	}
	hash := cfg.Hash
	if hash == 0 {
		hash = crypto.SHA256
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: resty.New().
			SetTimeout(timeout).
			SetRetryCount(cfg.Retries).
			SetRetryWaitTime(200 * time.Millisecond),
		url:  cfg.URL,
		hash: hash,
	}, nil
}

// Stamp obtains a token over data and returns it in DER form.
func (c *Client) Stamp(ctx context.Context, data []byte) ([]byte, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	req, err := timestamp.CreateRequest(bytes.NewReader(data), &timestamp.RequestOptions{
		Hash:         c.hash,
		Certificates: true,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create timestamp request")
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/timestamp-query").
		SetBody(req).
		Post(c.url)
	if err != nil {
		return nil, errors.Wrapf(ErrTSAUnavailable, "%s: %v", c.url, err)
	}
	if res.StatusCode() != http.StatusOK {
		return nil, errors.Wrapf(ErrTSAUnavailable, "%s: HTTP %d", c.url, res.StatusCode())
	}

	ts, err := timestamp.ParseResponse(res.Body())
	if err != nil {
		return nil, errors.Wrapf(ErrTSAUnavailable, "%s: %v", c.url, err)
	}
	h := c.hash.New()
	h.Write(data)
	if !bytes.Equal(ts.HashedMessage, h.Sum(nil)) {
		return nil, errors.New("timestamp response covers different data")
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, errors.New("timestamp response nonce mismatch")
	}

	log.Debug().Str("tsa", c.url).Time("gen_time", ts.Time).Msg("timestamp obtained")
	return ts.RawToken, nil
}
