package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Files looked up inside TLSConfig.KeyRepository.
const (
	CAFile         = "ca.crt"
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"
)

// TLSConfig configures an encrypted broker connection. CipherSuites uses the
// Go cipher suite names (for example TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256).
// KeyRepository is a directory holding ca.crt and, for mutual TLS,
// client.crt and client.key.
type TLSConfig struct {
	Enabled            bool     `yaml:"enabled"`
	CipherSuites       []string `yaml:"cipherSuites"`
	KeyRepository      string   `yaml:"keyRepository"`
	ServerName         string   `yaml:"serverName"`
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify"`
}

func (t TLSConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	var errs []error
	if _, err := CipherSuiteIDs(t.CipherSuites); err != nil {
		errs = append(errs, err)
	}
	if t.KeyRepository != "" {
		if info, err := os.Stat(t.KeyRepository); err != nil {
			errs = append(errs, fmt.Errorf("keyRepository: %w", err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("keyRepository %s is not a directory", t.KeyRepository))
		}
	}
	return errors.Join(errs...)
}

// Build turns the settings into a *tls.Config. It returns nil when TLS is
// disabled.
func (t TLSConfig) Build() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}

	suites, err := CipherSuiteIDs(t.CipherSuites)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       suites,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	if t.KeyRepository == "" {
		return cfg, nil
	}

	caPEM, err := os.ReadFile(filepath.Join(t.KeyRepository, CAFile))
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", filepath.Join(t.KeyRepository, CAFile))
	}
	cfg.RootCAs = pool

	certPath := filepath.Join(t.KeyRepository, ClientCertFile)
	keyPath := filepath.Join(t.KeyRepository, ClientKeyFile)
	if fileExists(certPath) && fileExists(keyPath) {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// CipherSuiteIDs maps cipher suite names to their IDs. An empty list means
// the Go defaults.
func CipherSuiteIDs(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}

	ids := make([]uint16, 0, len(names))
	var unknown []error
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			unknown = append(unknown, fmt.Errorf("unknown cipher suite %q", name))
			continue
		}
		ids = append(ids, id)
	}
	if len(unknown) > 0 {
		return nil, errors.Join(unknown...)
	}
	return ids, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
