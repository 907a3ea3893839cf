// SPDX-License-Identifier: MIT

// Package pairing implements the one-time credential issuance flow: request
// a short pairing code, poll until an operator confirms it in the CMS, then
// exchange the device CSR for a signed client certificate.
package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hexmon/signage-player-go/internal/certs"
	"github.com/hexmon/signage-player-go/internal/playererr"
)

// State is the pairing sub-state machine.
type State string

const (
	StateUnpaired   State = "UNPAIRED"
	StateRequested  State = "REQUESTED"
	StateConfirmed  State = "CONFIRMED"
	StateCertIssued State = "CERT_ISSUED"
	StateExpired    State = "EXPIRED"
)

// Backend is the slice of the HTTP client the pairing flow needs.
type Backend interface {
	PostJSON(ctx context.Context, path string, body, out any) error
	GetJSON(ctx context.Context, path string, out any) error
}

// CertStore is the slice of the certificate manager the pairing flow needs.
type CertStore interface {
	GenerateCSR(deviceID string, overrides *certs.SubjectOverrides) ([]byte, error)
	StoreCertificate(certPEM, caPEM []byte) (*certs.Metadata, error)
}

// DeviceInfo describes the display hardware, sent with the code request so
// operators can identify the device in the CMS.
type DeviceInfo struct {
	DeviceLabel string   `json:"device_label"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Orientation string   `json:"orientation"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Model       string   `json:"model,omitempty"`
	Codecs      []string `json:"codecs,omitempty"`
}

// Code is an issued pairing code.
type Code struct {
	Code      string    `json:"pairingCode"`
	DeviceID  string    `json:"deviceId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service drives the pairing state machine.
type Service struct {
	backend Backend
	store   CertStore
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	code     *Code
	deviceID string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a pairing service. When deviceID is non-empty the
// device was paired previously (re-pairing keeps the identity).
func NewService(backend Backend, store CertStore, deviceID string, opts ...Option) *Service {
	s := &Service{
		backend:  backend,
		store:    store,
		state:    StateUnpaired,
		deviceID: deviceID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current pairing state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DeviceID returns the backend-assigned device identifier, empty until a
// code has been issued (or the device was paired before).
func (s *Service) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// CurrentCode returns the outstanding pairing code, if any.
func (s *Service) CurrentCode() (Code, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code == nil {
		return Code{}, false
	}
	return *s.code, true
}

// codeResponse tolerates both expiry encodings the backend uses.
type codeResponse struct {
	PairingCode string `json:"pairing_code"`
	PairingCC   string `json:"pairingCode"`
	DeviceID    string `json:"device_id"`
	DeviceIDCC  string `json:"deviceId"`
	ExpiresAt   string `json:"expires_at"`
	ExpiresAtCC string `json:"expiresAt"`
	ExpiresIn   int    `json:"expires_in"`
	ExpiresInCC int    `json:"expiresIn"`
}

// RequestCode asks the backend for a fresh pairing code.
func (s *Service) RequestCode(ctx context.Context, info DeviceInfo) (Code, error) {
	var resp codeResponse
	if err := s.backend.PostJSON(ctx, "/v1/device/pairing/code", info, &resp); err != nil {
		return Code{}, fmt.Errorf("request pairing code: %w", err)
	}

	code := Code{
		Code:     firstNonEmpty(resp.PairingCode, resp.PairingCC),
		DeviceID: firstNonEmpty(resp.DeviceID, resp.DeviceIDCC),
	}
	if code.Code == "" {
		return Code{}, &playererr.ParseError{Detail: "pairing response missing code"}
	}

	switch {
	case resp.ExpiresAt != "" || resp.ExpiresAtCC != "":
		raw := firstNonEmpty(resp.ExpiresAt, resp.ExpiresAtCC)
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			code.ExpiresAt = t
		}
	case resp.ExpiresIn > 0:
		code.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	case resp.ExpiresInCC > 0:
		code.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresInCC) * time.Second)
	}

	s.mu.Lock()
	s.code = &code
	if code.DeviceID != "" {
		s.deviceID = code.DeviceID
	}
	s.state = StateRequested
	s.mu.Unlock()

	s.logf("pairing code issued", slog.String("deviceId", code.DeviceID))
	return code, nil
}

type statusResponse struct {
	Paired bool `json:"paired"`
}

// FetchStatus polls the backend for confirmation of the outstanding code.
// On confirmation the state advances to CONFIRMED. A 404 means the code
// expired or was never known: the code is discarded and the state machine
// returns to UNPAIRED so the caller requests a new one.
func (s *Service) FetchStatus(ctx context.Context) (bool, error) {
	s.mu.Lock()
	code := s.code
	s.mu.Unlock()
	if code == nil {
		return false, fmt.Errorf("no pairing code outstanding")
	}

	var resp statusResponse
	err := s.backend.GetJSON(ctx,
		fmt.Sprintf("/v1/device/pairing/status?code=%s", code.Code), &resp)
	if err != nil {
		if playererr.IsNotFound(err) {
			s.expireCode()
			return false, err
		}
		return false, fmt.Errorf("fetch pairing status: %w", err)
	}

	if resp.Paired {
		s.mu.Lock()
		s.state = StateConfirmed
		s.mu.Unlock()
	}
	return resp.Paired, nil
}

type completeRequest struct {
	PairingCode string `json:"pairing_code"`
	CSR         string `json:"csr"`
}

type completeResponse struct {
	Certificate   string `json:"certificate"`
	CertificateCC string `json:"clientCert"`
	CA            string `json:"ca"`
	CACC          string `json:"caCert"`
	DeviceID      string `json:"device_id"`
	DeviceIDCC    string `json:"deviceId"`
}

// Complete uploads the CSR and stores the issued certificate. On success the
// state reaches CERT_ISSUED. A 404 (expired/unknown code) resets to UNPAIRED.
func (s *Service) Complete(ctx context.Context) error {
	s.mu.Lock()
	code := s.code
	deviceID := s.deviceID
	s.mu.Unlock()
	if code == nil {
		return fmt.Errorf("no pairing code outstanding")
	}

	csrPEM, err := s.store.GenerateCSR(deviceID, nil)
	if err != nil {
		return fmt.Errorf("generate CSR: %w", err)
	}

	var resp completeResponse
	err = s.backend.PostJSON(ctx, "/v1/device/pairing/complete", completeRequest{
		PairingCode: code.Code,
		CSR:         string(csrPEM),
	}, &resp)
	if err != nil {
		if playererr.IsNotFound(err) {
			s.expireCode()
		}
		return fmt.Errorf("complete pairing: %w", err)
	}

	certPEM := firstNonEmpty(resp.Certificate, resp.CertificateCC)
	caPEM := firstNonEmpty(resp.CA, resp.CACC)
	if strings.TrimSpace(certPEM) == "" || strings.TrimSpace(caPEM) == "" {
		return &playererr.ParseError{Detail: "pairing completion missing certificate material"}
	}

	if _, err := s.store.StoreCertificate([]byte(certPEM), []byte(caPEM)); err != nil {
		return fmt.Errorf("store issued certificate: %w", err)
	}

	s.mu.Lock()
	if id := firstNonEmpty(resp.DeviceID, resp.DeviceIDCC); id != "" {
		s.deviceID = id
	}
	s.state = StateCertIssued
	s.code = nil
	s.mu.Unlock()

	s.logf("pairing complete", slog.String("deviceId", s.DeviceID()))
	return nil
}

// expireCode drops the code and returns the state straight to UNPAIRED.
func (s *Service) expireCode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = nil
	s.state = StateUnpaired
	s.logf("pairing code expired, new code required")
}

func (s *Service) logf(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
