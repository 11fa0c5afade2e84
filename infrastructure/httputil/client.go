package httputil

import (
	"fmt"
	"net/http"
	"time"
)

// ClientConfig holds standard configuration shared by every outbound HTTP
// client this process builds (provider APIs, the OAuth refresh proxy, the
// tollbooth metering proxy).
type ClientConfig struct {
	// BaseURL is the base URL for the remote service (will be normalized).
	BaseURL string

	// Timeout is the total request timeout. Zero means use default.
	Timeout time.Duration

	// HTTPClient is the base HTTP client to reuse. If nil, a default
	// client with a TLS 1.2+ transport is created.
	HTTPClient *http.Client

	// MaxBodyBytes caps response body size to prevent memory exhaustion.
	// Zero means use default.
	MaxBodyBytes int64
}

// ClientDefaults holds default values for client configuration.
type ClientDefaults struct {
	Timeout          time.Duration
	MaxBodyBytes     int64
	NormalizeBaseURL bool
	RequireHTTPS     bool
}

// DefaultClientDefaults returns standard default values.
func DefaultClientDefaults() ClientDefaults {
	return ClientDefaults{
		Timeout:          30 * time.Second,
		MaxBodyBytes:     8 << 20, // provider pages can be large
		NormalizeBaseURL: true,
		RequireHTTPS:     false,
	}
}

// NewClient creates an HTTP client with standardized configuration: timeout
// handling with defaults, and a shared-client copy that never mutates the
// caller-provided instance.
func NewClient(cfg ClientConfig, defaults ClientDefaults) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	forceTimeout := cfg.Timeout != 0

	client := CopyHTTPClientWithTimeout(cfg.HTTPClient, timeout, forceTimeout)
	if cfg.HTTPClient == nil {
		client.Transport = DefaultTransportWithMinTLS12()
	}
	return client, nil
}

// NewClientWithBaseURL creates a client with base URL normalization, the
// common pattern for clients bound to one remote service. Returns the HTTP
// client and the normalized base URL.
func NewClientWithBaseURL(cfg ClientConfig, defaults ClientDefaults) (*http.Client, string, error) {
	var normalizedURL string
	var err error

	if defaults.NormalizeBaseURL {
		if defaults.RequireHTTPS {
			normalizedURL, _, err = NormalizeServiceBaseURL(cfg.BaseURL)
		} else {
			normalizedURL, _, err = NormalizeBaseURL(cfg.BaseURL, BaseURLOptions{})
		}
		if err != nil {
			return nil, "", fmt.Errorf("normalize base URL: %w", err)
		}
	} else {
		normalizedURL = cfg.BaseURL
	}

	client, err := NewClient(ClientConfig{
		BaseURL:    normalizedURL,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	}, defaults)
	if err != nil {
		return nil, "", err
	}

	return client, normalizedURL, nil
}

// ResolveMaxBodyBytes returns the effective max body size from config and defaults.
func ResolveMaxBodyBytes(cfg int64, defaultBytes int64) int64 {
	if cfg <= 0 {
		return defaultBytes
	}
	return cfg
}
