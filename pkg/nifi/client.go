// Package nifi provides a client for the NiFi flow engine REST API.
package nifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/logging"
)

// DefaultTimeout is the maximum time to wait for a single flow engine response.
const DefaultTimeout = 30 * time.Second

// Config holds everything needed to talk to one flow engine instance.
type Config struct {
	BaseURL     string
	Username    string
	Password    string
	RootGroupID string
	// CACertPath adds a private CA to the system pool. Verification stays on.
	CACertPath string
	Timeout    time.Duration
}

// Client issues tokens and opens sessions against the flow engine.
type Client struct {
	cfg        Config
	httpClient *http.Client
	clientID   string
	logger     *zap.Logger
}

// NewClient creates a flow engine client from cfg.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid nifi base URL %q", cfg.BaseURL)
	}
	if cfg.RootGroupID == "" {
		cfg.RootGroupID = "root"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CACertPath != "" {
		pool, err := loadCertPool(cfg.CACertPath)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		clientID: uuid.New().String(),
		logger:   logger.Named("nifi"),
	}, nil
}

func loadCertPool(caPath string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read nifi CA cert: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	return pool, nil
}

// Authenticate exchanges the configured credentials for a bearer token.
// Any failure is returned as *AuthError.
func (c *Client) Authenticate(ctx context.Context) (Token, error) {
	endpoint, err := buildURL(c.cfg.BaseURL, "access", "token")
	if err != nil {
		return "", &AuthError{Err: err}
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to call nifi: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		c.logger.Error("nifi refused token request",
			zap.Int("status", resp.StatusCode),
			zap.String("username", c.cfg.Username))
		return "", &AuthError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", logging.TruncateString(string(body), logging.MaxBodyLogLength)),
		}
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("empty token")}
	}

	c.logger.Debug("Obtained nifi access token")
	return Token(token), nil
}

// Session returns a session that authenticates every call with token.
// The token is not refreshed for the lifetime of the session.
func (c *Client) Session(token Token) *Session {
	return &Session{client: c, token: token}
}

// RootGroupID returns the process group new templates are instantiated into.
func (c *Client) RootGroupID() string {
	return c.cfg.RootGroupID
}

// do sends one JSON request and returns the response body when the status is one of want.
func (c *Client) do(ctx context.Context, token Token, op, method, endpoint string, payload any, want ...int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+string(token))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Calling nifi",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("url", endpoint))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nifi %s failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	for _, code := range want {
		if resp.StatusCode == code {
			return respBody, nil
		}
	}

	snippet := logging.TruncateString(logging.SanitizeText(string(respBody)), logging.MaxBodyLogLength)
	c.logger.Warn("nifi returned error",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.String("body", snippet))
	return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: snippet}
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}
