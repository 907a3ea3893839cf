// SPDX-License-Identifier: MIT

// Package certs owns the device credential material: RSA keypair, CSR,
// client certificate, CA bundle, and the persisted certificate metadata.
//
// No other component reads or writes the credential files. The manager
// implements httpx.TLSProvider so the transport picks up fresh material
// after pairing or renewal without restarting.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

const (
	keyFile  = "client.key"
	certFile = "client.crt"
	caFile   = "ca.crt"
	csrFile  = "client.csr"
	metaFile = "cert-meta.json"

	// DefaultRenewBeforeDays triggers renewal when less than this many days
	// of validity remain.
	DefaultRenewBeforeDays = 30

	rsaKeyBits = 2048
)

// Metadata describes the stored client certificate.
type Metadata struct {
	Fingerprint string    `json:"fingerprint"`
	ValidFrom   time.Time `json:"validFrom"`
	ValidTo     time.Time `json:"validTo"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	Serial      string    `json:"serial"`
}

// SubjectOverrides optionally refine the CSR subject beyond CN and O.
type SubjectOverrides struct {
	OU       string
	Province string
	Locality string
	Country  string
}

// Manager stores and inspects device credentials under a single directory.
type Manager struct {
	dir             string
	org             string
	renewBeforeDays int
	logger          *slog.Logger

	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRenewBeforeDays overrides the renewal threshold.
func WithRenewBeforeDays(days int) ManagerOption {
	return func(m *Manager) {
		if days > 0 {
			m.renewBeforeDays = days
		}
	}
}

// WithLogger attaches a structured logger (nil = no logging).
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager rooted at dir, creating it with mode 0700.
func NewManager(dir string, opts ...ManagerOption) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("cert directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cert directory: %w", err)
	}

	m := &Manager{
		dir:             dir,
		org:             "HexmonSignage",
		renewBeforeDays: DefaultRenewBeforeDays,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// KeyPath returns the private key path.
func (m *Manager) KeyPath() string { return filepath.Join(m.dir, keyFile) }

// CertPath returns the client certificate path.
func (m *Manager) CertPath() string { return filepath.Join(m.dir, certFile) }

// CAPath returns the CA bundle path.
func (m *Manager) CAPath() string { return filepath.Join(m.dir, caFile) }

// CSRPath returns the certificate signing request path.
func (m *Manager) CSRPath() string { return filepath.Join(m.dir, csrFile) }

// GenerateCSR creates a fresh RSA-2048 keypair and a PKCS#10 CSR signed with
// SHA-256, persists both, and returns the CSR PEM. CN falls back to the
// hostname when deviceID is empty.
func (m *Manager) GenerateCSR(deviceID string, overrides *SubjectOverrides) ([]byte, error) {
	cn := deviceID
	if cn == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "signage-device"
		}
		cn = host
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	subject := pkix.Name{
		CommonName:   cn,
		Organization: []string{m.org},
	}
	if overrides != nil {
		if overrides.OU != "" {
			subject.OrganizationalUnit = []string{overrides.OU}
		}
		if overrides.Province != "" {
			subject.Province = []string{overrides.Province}
		}
		if overrides.Locality != "" {
			subject.Locality = []string{overrides.Locality}
		}
		if overrides.Country != "" {
			subject.Country = []string{overrides.Country}
		}
	}

	template := x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	csrPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE REQUEST",
		Bytes: der,
	})

	if err := renameio.WriteFile(m.KeyPath(), keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("persist private key: %w", err)
	}
	if err := renameio.WriteFile(m.CSRPath(), csrPEM, 0600); err != nil {
		return nil, fmt.Errorf("persist CSR: %w", err)
	}

	m.logf("generated keypair and CSR", slog.String("cn", cn))
	return csrPEM, nil
}

// StoreCertificate persists the issued client certificate and CA bundle,
// then extracts and persists metadata. The private key must already exist.
func (m *Manager) StoreCertificate(certPEM, caPEM []byte) (*Metadata, error) {
	if _, err := os.Stat(m.KeyPath()); err != nil {
		return nil, fmt.Errorf("no private key on disk; generate a CSR first: %w", err)
	}

	meta, err := parseCertMetadata(certPEM)
	if err != nil {
		return nil, err
	}

	if err := renameio.WriteFile(m.CertPath(), certPEM, 0600); err != nil {
		return nil, fmt.Errorf("persist client certificate: %w", err)
	}
	if err := renameio.WriteFile(m.CAPath(), caPEM, 0600); err != nil {
		return nil, fmt.Errorf("persist CA bundle: %w", err)
	}
	if err := m.writeMetadata(meta); err != nil {
		return nil, err
	}

	m.logf("stored client certificate",
		slog.String("subject", meta.Subject),
		slog.Time("validTo", meta.ValidTo))
	return meta, nil
}

func (m *Manager) writeMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cert metadata: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(m.dir, metaFile), data, 0600); err != nil {
		return fmt.Errorf("persist cert metadata: %w", err)
	}
	return nil
}

// Metadata returns the persisted certificate metadata, re-deriving it from
// the certificate file when the metadata file is missing or unreadable.
func (m *Manager) Metadata() (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, metaFile)) // #nosec G304 -- our own directory
	if err == nil {
		var meta Metadata
		if jsonErr := json.Unmarshal(data, &meta); jsonErr == nil {
			return &meta, nil
		}
	}

	certPEM, err := os.ReadFile(m.CertPath()) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("no certificate on disk: %w", err)
	}
	meta, err := parseCertMetadata(certPEM)
	if err != nil {
		return nil, err
	}
	if err := m.writeMetadata(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// VerifyCertificate reports whether all three PEM files exist and the current
// time lies within the certificate validity window.
func (m *Manager) VerifyCertificate() bool {
	for _, p := range []string{m.KeyPath(), m.CertPath(), m.CAPath()} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	meta, err := m.Metadata()
	if err != nil {
		return false
	}
	now := m.now()
	return !now.Before(meta.ValidFrom) && !now.After(meta.ValidTo)
}

// NeedsRenewal reports whether no certificate exists or the remaining
// validity is below the renewal threshold.
func (m *Manager) NeedsRenewal() bool {
	meta, err := m.Metadata()
	if err != nil {
		return true
	}
	remaining := meta.ValidTo.Sub(m.now())
	return remaining < time.Duration(m.renewBeforeDays)*24*time.Hour
}

// DeleteCertificates wipes all credential material. Used for explicit
// re-pairing.
func (m *Manager) DeleteCertificates() error {
	var firstErr error
	for _, name := range []string{keyFile, certFile, caFile, csrFile, metaFile} {
		err := os.Remove(filepath.Join(m.dir, name))
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("delete credential material: %w", firstErr)
	}
	m.logf("deleted all credential material")
	return nil
}

// ClientTLSConfig implements httpx.TLSProvider. It returns nil when no valid
// certificate is present, which leaves the transport running without mTLS
// (the pairing endpoints require that).
func (m *Manager) ClientTLSConfig() (*tls.Config, error) {
	if !m.VerifyCertificate() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(m.CertPath(), m.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}

	caPEM, err := os.ReadFile(m.CAPath()) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("CA bundle contains no certificates")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (m *Manager) logf(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Info(msg, args...)
	}
}

func parseCertMetadata(certPEM []byte) (*Metadata, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certificate PEM is malformed")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	return &Metadata{
		Fingerprint: hex.EncodeToString(sum[:]),
		ValidFrom:   cert.NotBefore,
		ValidTo:     cert.NotAfter,
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		Serial:      cert.SerialNumber.String(),
	}, nil
}
