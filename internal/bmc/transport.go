package bmc

import (
	"crypto/tls"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Options tunes the HTTP transport used to reach a BMC
type Options struct {
	// RequestTimeout bounds the wait for response headers
	RequestTimeout time.Duration
	// ResourceTimeout bounds the whole exchange including the body
	ResourceTimeout time.Duration
}

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultResourceTimeout = 60 * time.Second
)

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.ResourceTimeout <= 0 {
		o.ResourceTimeout = defaultResourceTimeout
	}
	return o
}

// newHTTPClient builds a client dedicated to BMC traffic. BMCs ship self-signed
// certificates, so verification is off for this transport only.
func newHTTPClient(opts Options) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		base = &http.Transport{}
	}
	transport := base.Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // trust-on-first-use BMC endpoints
	}
	transport.ResponseHeaderTimeout = opts.RequestTimeout

	return &http.Client{
		Transport: transport,
		Timeout:   opts.ResourceTimeout,
		Jar:       jar,
	}, nil
}
