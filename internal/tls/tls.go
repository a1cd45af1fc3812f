package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/streambot/internal/config"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// parseMinVersion maps the configured minimum version. Empty means 1.2.
func parseMinVersion(ver string) (uint16, error) {
	switch ver {
	case "", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// getCertificationFunc reloads the key pair on every handshake so rotated
// certificates are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certificate, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
		if err != nil {
			return nil, err
		}
		return &certificate, nil
	}
}

// Setup builds the listener TLS config for the HTTP control API. It returns
// nil when TLS is disabled.
func Setup(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseMinVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	// Explicit files win over the directory layout.
	if c.CertFile != "" && c.KeyFile != "" {
		return createTLSConfig(c.CertFile, c.KeyFile, minVer)
	}

	if c.Dir != "" {
		certPath := filepath.Join(c.Dir, tlsCrt)
		keyPath := filepath.Join(c.Dir, tlsKey)
		if !certificatesExist(certPath, keyPath) {
			if !c.AutoGenerate {
				return nil, fmt.Errorf("no %s/%s in %s and auto_generate is off", tlsCrt, tlsKey, c.Dir)
			}
			if err := os.MkdirAll(c.Dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create certificate directory: %w", err)
			}
			err := GenerateSelfSignedCert(CertConfig{
				CommonName:   "localhost",
				Organization: "streambot",
				DNSNames:     []string{"localhost"},
				IPAddresses:  []string{"127.0.0.1", "::1"},
				NotAfter:     time.Now().AddDate(1, 0, 0),
				CertPath:     certPath,
				KeyPath:      keyPath,
			})
			if err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return createTLSConfig(certPath, keyPath, minVer)
	}

	return nil, errors.New("TLS enabled but no certificate configured")
}

// createTLSConfig checks the pair loads once so a bad file fails at startup
// rather than on the first handshake.
func createTLSConfig(certPath, keyPath string, minVer uint16) (*tls.Config, error) {
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
