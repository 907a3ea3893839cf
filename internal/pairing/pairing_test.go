// SPDX-License-Identifier: MIT

package pairing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hexmon/signage-player-go/internal/certs"
	"github.com/hexmon/signage-player-go/internal/httpx"
)

// testBackend fakes the pairing endpoints and signs submitted CSRs.
type testBackend struct {
	t        *testing.T
	paired   atomic.Bool
	notFound atomic.Bool // force 404 on status/complete
	caKey    *rsa.PrivateKey
	caCert   *x509.Certificate
	caPEM    []byte
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Pairing Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testBackend{
		t:      t,
		caKey:  caKey,
		caCert: caCert,
		caPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (b *testBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/device/pairing/code", func(w http.ResponseWriter, r *http.Request) {
		var info DeviceInfo
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&info))
		require.NotEmpty(b.t, info.DeviceLabel)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pairingCode": "ABC123",
			"deviceId":    "dev-1",
			"expiresIn":   600,
		})
	})
	mux.HandleFunc("GET /v1/device/pairing/status", func(w http.ResponseWriter, r *http.Request) {
		if b.notFound.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"paired": b.paired.Load()})
	})
	mux.HandleFunc("POST /v1/device/pairing/complete", func(w http.ResponseWriter, r *http.Request) {
		if b.notFound.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req struct {
			PairingCode string `json:"pairing_code"`
			CSR         string `json:"csr"`
		}
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(b.t, "ABC123", req.PairingCode)

		block, _ := pem.Decode([]byte(req.CSR))
		require.NotNil(b.t, block)
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		require.NoError(b.t, err)

		leaf := &x509.Certificate{
			SerialNumber: big.NewInt(7),
			Subject:      csr.Subject,
			NotBefore:    time.Now().Add(-time.Minute),
			NotAfter:     time.Now().Add(90 * 24 * time.Hour),
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		der, err := x509.CreateCertificate(rand.Reader, leaf, b.caCert, csr.PublicKey, b.caKey)
		require.NoError(b.t, err)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"certificate": string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
			"ca":          string(b.caPEM),
			"device_id":   "dev-1",
		})
	})
	return mux
}

func newService(t *testing.T, backendURL string) (*Service, *certs.Manager) {
	t.Helper()
	mgr, err := certs.NewManager(t.TempDir())
	require.NoError(t, err)
	client := httpx.NewClient(backendURL)
	return NewService(client, mgr, ""), mgr
}

func TestFullPairingFlow(t *testing.T) {
	backend := newTestBackend(t)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	svc, mgr := newService(t, srv.URL)
	ctx := context.Background()

	require.Equal(t, StateUnpaired, svc.State())

	code, err := svc.RequestCode(ctx, DeviceInfo{
		DeviceLabel: "lobby-screen", Width: 1920, Height: 1080, Orientation: "landscape",
	})
	require.NoError(t, err)
	require.Equal(t, "ABC123", code.Code)
	require.Equal(t, "dev-1", code.DeviceID)
	require.False(t, code.ExpiresAt.IsZero(), "expiresIn must produce an expiry time")
	require.Equal(t, StateRequested, svc.State())
	require.Equal(t, "dev-1", svc.DeviceID())

	// Not yet confirmed.
	paired, err := svc.FetchStatus(ctx)
	require.NoError(t, err)
	require.False(t, paired)
	require.Equal(t, StateRequested, svc.State())

	// Operator confirms in the CMS.
	backend.paired.Store(true)
	paired, err = svc.FetchStatus(ctx)
	require.NoError(t, err)
	require.True(t, paired)
	require.Equal(t, StateConfirmed, svc.State())

	require.NoError(t, svc.Complete(ctx))
	require.Equal(t, StateCertIssued, svc.State())
	require.True(t, mgr.VerifyCertificate(), "stored certificate must verify")

	meta, err := mgr.Metadata()
	require.NoError(t, err)
	require.Contains(t, meta.Subject, "dev-1")
}

func TestStatus404DiscardsCode(t *testing.T) {
	backend := newTestBackend(t)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	svc, _ := newService(t, srv.URL)
	ctx := context.Background()

	_, err := svc.RequestCode(ctx, DeviceInfo{DeviceLabel: "d"})
	require.NoError(t, err)

	backend.notFound.Store(true)
	_, err = svc.FetchStatus(ctx)
	require.Error(t, err)
	require.Equal(t, StateUnpaired, svc.State())
	_, hasCode := svc.CurrentCode()
	require.False(t, hasCode, "expired code must be discarded")

	// A fresh code can be requested immediately.
	backend.notFound.Store(false)
	_, err = svc.RequestCode(ctx, DeviceInfo{DeviceLabel: "d"})
	require.NoError(t, err)
	require.Equal(t, StateRequested, svc.State())
}

func TestComplete404ResetsToUnpaired(t *testing.T) {
	backend := newTestBackend(t)
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	svc, mgr := newService(t, srv.URL)
	ctx := context.Background()

	_, err := svc.RequestCode(ctx, DeviceInfo{DeviceLabel: "d"})
	require.NoError(t, err)

	backend.notFound.Store(true)
	err = svc.Complete(ctx)
	require.Error(t, err)
	require.Equal(t, StateUnpaired, svc.State())
	require.False(t, mgr.VerifyCertificate())
}

func TestFetchStatusWithoutCodeFails(t *testing.T) {
	svc, _ := newService(t, "http://127.0.0.1:1")
	_, err := svc.FetchStatus(context.Background())
	require.Error(t, err)
}
