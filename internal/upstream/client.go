// Package upstream fetches assets from a peer confab gateway.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"confab/internal/codec"
)

var (
	ErrClosed  = errors.New("upstream client is shut down")
	ErrNetwork = errors.New("upstream request failed")
)

// errNotFound marks a 404, which is final and never retried.
var errNotFound = errors.New("not found upstream")

// Callback receives the result of GetAsset. rec is empty on any failure.
type Callback func(key uint64, rec codec.Record)

// Config tunes a Client. Timeout bounds a single request attempt. Backoff is
// the wait before the second attempt and doubles after that. Only network
// errors and 5xx responses are retried.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxInFlight int
	MaxPayload  int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 32
	}
	return c
}

// Client talks to one upstream gateway, e.g. "http://sclork-s01.local:9080".
type Client struct {
	serverAddress string
	cfg           Config
	httpClient    *http.Client
	codec         *codec.Codec

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(serverAddress string, cfg Config) *Client {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		serverAddress: strings.TrimRight(serverAddress, "/"),
		cfg:           cfg,
		httpClient:    &http.Client{},
		codec:         codec.New(cfg.MaxPayload),
		ctx:           ctx,
		cancel:        cancel,
		sem:           make(chan struct{}, cfg.MaxInFlight),
	}
}

func (c *Client) ServerAddress() string { return c.serverAddress }

// GetAsset requests the asset stored under key. fn runs exactly once on
// another goroutine unless GetAsset returns an error, in which case it never
// runs.
func (c *Client) GetAsset(key uint64, fn Callback) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		select {
		case c.sem <- struct{}{}:
		case <-c.ctx.Done():
			fn(key, nil)
			return
		}
		rec, err := c.fetchAsset(key)
		<-c.sem

		if err != nil {
			log.WithFields(log.Fields{"upstream": c.serverAddress, "key": codec.FormatKey(key)}).
				Debugf("asset fetch failed: %v", err)
			rec = nil
		}
		fn(key, rec)
	}()
	return nil
}

func (c *Client) fetchAsset(key uint64) (codec.Record, error) {
	url := c.serverAddress + "/asset/id/" + codec.FormatKey(key)
	wait := c.cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		var rec codec.Record
		rec, err = c.getOnce(url)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNetwork) || attempt >= c.cfg.MaxAttempts {
			return nil, err
		}
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (c *Client) getOnce(url string) (codec.Record, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, c.ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.codec.MaxEncodedLen())+3))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrNetwork, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	b, err := c.codec.Decode(body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty asset body")
	}
	return codec.Record(b), nil
}

// Shutdown refuses new requests, cancels the ones in flight and waits until
// every accepted callback has returned. It is safe to call more than once,
// but not from inside a Callback.
func (c *Client) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
}
