package servicemanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/utils"
)

func tokenHandler(t *testing.T, calls *atomic.Int32, check func(r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = r.ParseForm()
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	}
}

func TestFetchToken_ClientSecret(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(tokenHandler(t, &calls, func(r *http.Request) {
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "s3cret", r.PostForm.Get("client_secret"))
	}))
	defer srv.Close()

	p := NewTokenProvider(utils.DiscardLogger(), WithTokenHTTPClient(srv.Client()))
	token, err := p.FetchToken(context.Background(), Credentials{URL: srv.URL + "/", ClientID: "cid", ClientSecret: "s3cret"})

	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchToken_EveryCallExchanges(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(tokenHandler(t, &calls, nil))
	defer srv.Close()

	p := NewTokenProvider(utils.DiscardLogger(), WithTokenHTTPClient(srv.Client()))
	creds := Credentials{URL: srv.URL, ClientID: "cid", ClientSecret: "s3cret"}
	for i := 0; i < 2; i++ {
		_, err := p.FetchToken(context.Background(), creds)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchToken_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	p := NewTokenProvider(utils.DiscardLogger(), WithTokenHTTPClient(srv.Client()))
	_, err := p.FetchToken(context.Background(), Credentials{URL: srv.URL, ClientID: "cid", ClientSecret: "wrong"})

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCredentialsInvalid), "got %v", err)
}

func TestFetchToken_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewTokenProvider(utils.DiscardLogger(), WithTokenHTTPClient(srv.Client()))
	_, err := p.FetchToken(context.Background(), Credentials{URL: srv.URL, ClientID: "cid", ClientSecret: "s"})

	assert.True(t, errors.HasCode(err, errors.ErrCodeNetworkError), "got %v", err)
}

func TestFetchToken_NoUsableCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(tokenHandler(t, &calls, nil))
	defer srv.Close()

	p := NewTokenProvider(utils.DiscardLogger(), WithTokenHTTPClient(srv.Client()))

	tests := []struct {
		name  string
		creds Credentials
	}{
		{"empty", Credentials{URL: srv.URL}},
		{"id without secret", Credentials{URL: srv.URL, ClientID: "cid"}},
		{"certificate without cert url", Credentials{URL: srv.URL, ClientID: "cid", Certificate: "c", Key: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.FetchToken(context.Background(), tt.creds)
			assert.True(t, errors.HasCode(err, errors.ErrCodeCredentialsInvalid), "got %v", err)
		})
	}
	assert.Equal(t, int32(0), calls.Load(), "no token request may be sent without usable credentials")
}

func TestFetchToken_MTLS(t *testing.T) {
	certPEM, keyPEM := clientCertificate(t)

	var calls atomic.Int32
	srv := httptest.NewUnstartedServer(tokenHandler(t, &calls, func(r *http.Request) {
		assert.Len(t, r.TLS.PeerCertificates, 1)
		assert.Equal(t, "attachments-client", r.TLS.PeerCertificates[0].Subject.CommonName)
		assert.Equal(t, "token", r.PostForm.Get("response_type"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Empty(t, r.PostForm.Get("client_secret"))
	}))
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	srv.StartTLS()
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	p := NewTokenProvider(utils.DiscardLogger(), WithRootCAs(pool))
	token, err := p.FetchToken(context.Background(), Credentials{
		URL:         "http://unused.invalid",
		ClientID:    "cid",
		Certificate: certPEM,
		Key:         keyPEM,
		CertURL:     srv.URL,
	})

	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchToken_MTLSBadKeyPair(t *testing.T) {
	p := NewTokenProvider(utils.DiscardLogger())
	_, err := p.FetchToken(context.Background(), Credentials{
		ClientID:    "cid",
		Certificate: "not a certificate",
		Key:         "not a key",
		CertURL:     "https://auth.invalid",
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeCredentialsInvalid), "got %v", err)
}

func TestCredentialsValidate(t *testing.T) {
	tests := []struct {
		name    string
		creds   Credentials
		wantErr bool
	}{
		{"client secret", Credentials{SMURL: "https://sm", URL: "https://auth", ClientID: "id", ClientSecret: "s"}, false},
		{"certificate", Credentials{SMURL: "https://sm", URL: "https://auth", Certificate: "c", Key: "k"}, false},
		{"missing sm_url", Credentials{URL: "https://auth", ClientID: "id", ClientSecret: "s"}, true},
		{"missing url", Credentials{SMURL: "https://sm", ClientID: "id", ClientSecret: "s"}, true},
		{"certificate without key", Credentials{SMURL: "https://sm", URL: "https://auth", Certificate: "c"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.wantErr {
				assert.True(t, errors.HasCode(err, errors.ErrCodeCredentialsInvalid), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentialsRedacted(t *testing.T) {
	c := Credentials{ClientID: "id", ClientSecret: "secret", Key: "pem"}.Redacted()
	assert.Equal(t, "id", c.ClientID)
	assert.Equal(t, "***", c.ClientSecret)
	assert.Equal(t, "***", c.Key)
}

func clientCertificate(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "attachments-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return string(certPEM), string(keyPEM)
}
