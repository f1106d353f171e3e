package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultCertCheckInterval = time.Minute

// CertLoader serves a TLS key pair and reloads it when either file's
// modification time moves past the last load.
type CertLoader struct {
	certFile      string
	keyFile       string
	checkInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex
	cert      *tls.Certificate
	loadedAt  time.Time
	lastCheck time.Time
}

// NewCertLoader loads the key pair once and fails if it cannot be read.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	l := &CertLoader{
		certFile:      certFile,
		keyFile:       keyFile,
		checkInterval: defaultCertCheckInterval,
		logger:        logger.With("component", "tls"),
		now:           time.Now,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// GetCertificate is a tls.Config.GetCertificate callback. Files are checked at
// most once per checkInterval; on any error the previous certificate is kept.
func (l *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCheck) < l.checkInterval {
		return l.cert, nil
	}
	l.lastCheck = now

	changed, err := l.changed()
	if err != nil {
		l.logger.Error("failed to stat certificate files", "error", err)
		return l.cert, nil
	}
	if changed {
		if err := l.load(); err != nil {
			l.logger.Error("failed to reload certificate", "error", err)
		}
	}
	return l.cert, nil
}

// TLSConfig returns a server TLS config backed by the loader.
func (l *CertLoader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: l.GetCertificate,
	}
}

func (l *CertLoader) changed() (bool, error) {
	for _, f := range []string{l.certFile, l.keyFile} {
		st, err := os.Stat(f)
		if err != nil {
			return false, err
		}
		if st.ModTime().After(l.loadedAt) {
			return true, nil
		}
	}
	return false, nil
}

// load reads the key pair. Caller holds mu or has exclusive access.
func (l *CertLoader) load() error {
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}
	l.cert = &cert
	l.loadedAt = l.now()
	l.logger.Info("loaded tls certificate", "cert", l.certFile, "key", l.keyFile)
	return nil
}
