// Package tlsutil builds tls.Config values for the gateway listener and for
// outbound clients such as the NATS connection.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"github.com/c360/devicegate/errors"
)

// ServerConfig describes the listener certificate and optional client
// certificate verification (mTLS).
type ServerConfig struct {
	CertFile   string
	KeyFile    string
	MinVersion string // "1.2" or "1.3"; anything else means 1.2

	// ClientCAFiles enables mTLS when non-empty.
	ClientCAFiles     []string
	RequireClientCert bool
	// AllowedClientCNs restricts verified client certificates by common name.
	AllowedClientCNs []string
}

// ClientConfig describes trust and an optional client certificate for
// outbound connections. The system CA pool is always trusted; CAFiles are
// added to it.
type ClientConfig struct {
	CAFiles            []string
	CertFile           string
	KeyFile            string
	MinVersion         string
	InsecureSkipVerify bool // tests only
}

// LoadServerTLSConfig loads the certificate pair and, when client CAs are
// given, configures client certificate verification.
func LoadServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}
	if len(cfg.ClientCAFiles) == 0 {
		return tlsConfig, nil
	}

	clientCAs, err := loadPool(x509.NewCertPool(), cfg.ClientCAFiles)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load client CAs")
	}
	tlsConfig.ClientCAs = clientCAs
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if len(cfg.AllowedClientCNs) > 0 {
		allowed := slices.Clone(cfg.AllowedClientCNs)
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, allowed)
		}
	}
	return tlsConfig, nil
}

// LoadClientTLSConfig builds a client configuration trusting the system
// pool plus CAFiles, presenting CertFile when set.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	rootCAs, err = loadPool(rootCAs, cfg.CAFiles)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load CAs")
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for tests
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func loadPool(pool *x509.CertPool, files []string) (*x509.CertPool, error) {
	for _, file := range files {
		pemData, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", file, err)
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no PEM certificates in %s", file)
		}
	}
	return pool, nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		// VerifyClientCertIfGiven with no certificate presented.
		return nil
	}
	cn := chains[0][0].Subject.CommonName
	if slices.Contains(allowed, cn) {
		return nil
	}
	return fmt.Errorf("client certificate CN %q not in allowed list", cn)
}

// parseTLSVersion maps "1.3" to TLS 1.3 and everything else to TLS 1.2.
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// ValidVersion reports whether version is accepted in configuration.
func ValidVersion(version string) bool {
	return version == "" || version == "1.2" || version == "1.3"
}
