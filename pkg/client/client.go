package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the API rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the streambot HTTP control API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	CACert   string       // PEM bundle trusted in addition to nothing else
	Insecure bool         // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 2 * time.Minute,
	}
}

// New creates an API client. It fails only when the CA bundle cannot be used.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

func (c *Client) Start(ctx context.Context) (Reply, error) {
	return c.do(ctx, http.MethodPost, "/start")
}

func (c *Client) Stop(ctx context.Context) (Reply, error) {
	return c.do(ctx, http.MethodPost, "/stop")
}

func (c *Client) Status(ctx context.Context) (Reply, error) {
	return c.do(ctx, http.MethodGet, "/status")
}

func (c *Client) Help(ctx context.Context) (Reply, error) {
	return c.do(ctx, http.MethodGet, "/help")
}

// FetchLog returns the log tail in Reply.Document, or an informational reply
// when there is no log yet.
func (c *Client) FetchLog(ctx context.Context) (Reply, error) {
	return c.do(ctx, http.MethodGet, "/log")
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	if err := loadCACert(tlsConfig, config.CACert); err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) do(ctx context.Context, method, path string) (Reply, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return Reply{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return Reply{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return Reply{}, ErrUnauthorized
	}
	if resp.StatusCode == http.StatusOK && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		return readDocument(resp)
	}

	var r Reply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil || r.Kind == "" {
		c.logger.Debug("Unexpected response", "status", resp.StatusCode, "url", url)
		return Reply{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return r, nil
}

func readDocument(resp *http.Response) (Reply, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, fmt.Errorf("read log: %w", err)
	}
	doc := &Document{Caption: resp.Header.Get("X-Caption"), Data: data}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		doc.Name = params["filename"]
	}
	return Reply{Kind: "ok", Text: doc.Caption, Document: doc}, nil
}
