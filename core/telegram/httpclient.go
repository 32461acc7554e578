package telegram

import (
	"net"
	"net/http"
	"time"

	"github.com/m3rciful/accountbot/core/telegram/sender"
)

// HTTPOptions tunes the client used for Bot API calls.
type HTTPOptions struct {
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	ClientTimeout   time.Duration
	DialRetries     int
	DialBackoff     time.Duration
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 5 * time.Second
	}
	if o.ClientTimeout <= 0 {
		o.ClientTimeout = 30 * time.Second
	}
	if o.DialRetries < 0 {
		o.DialRetries = 0
	}
	if o.DialBackoff <= 0 {
		o.DialBackoff = time.Second
	}
	return o
}

// BuildHTTPClient returns the client handed to telebot. Long polling holds a
// request open for the poll timeout, so ClientTimeout must exceed it.
func BuildHTTPClient(opts HTTPOptions) *http.Client {
	opts = opts.withDefaults()
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ResponseHeaderTimeout: opts.ResponseTimeout,
	}
	return &http.Client{
		Timeout:   opts.ClientTimeout,
		Transport: &dialRetry{base: base, retries: opts.DialRetries, backoff: opts.DialBackoff},
	}
}

// dialRetry repeats a request only when the connection could not be
// established. Anything later may have reached Telegram already, and
// repeating a sendMessage would post it twice; those failures are left to
// the dispatcher.
type dialRetry struct {
	base    http.RoundTripper
	retries int
	backoff time.Duration
}

func (t *dialRetry) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	for attempt := 1; err != nil && attempt <= t.retries; attempt++ {
		if sender.Classify(err) != sender.KindDial {
			return nil, err
		}
		next := req
		if req.Body != nil {
			if req.GetBody == nil {
				return nil, err
			}
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			next = req.Clone(req.Context())
			next.Body = body
		}
		timer := time.NewTimer(t.backoff * time.Duration(attempt))
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}
