package servicemanager

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderr "errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/service-tip-git/attachments/pkg/errors"
)

const tokenPath = "/oauth/token"

// TokenProvider exchanges service-manager credentials for a bearer token.
// Tokens are not cached.
type TokenProvider struct {
	httpClient *http.Client
	rootCAs    *x509.CertPool
	logger     *slog.Logger
}

// TokenOption configures a TokenProvider.
type TokenOption func(*TokenProvider)

// WithTokenHTTPClient sets the client used for the client-secret grant.
func WithTokenHTTPClient(client *http.Client) TokenOption {
	return func(p *TokenProvider) { p.httpClient = client }
}

// WithRootCAs sets the CA pool trusted by the mTLS grant.
func WithRootCAs(pool *x509.CertPool) TokenOption {
	return func(p *TokenProvider) { p.rootCAs = pool }
}

// NewTokenProvider creates a token provider.
func NewTokenProvider(logger *slog.Logger, opts ...TokenOption) *TokenProvider {
	p := &TokenProvider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "token"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchToken performs a mutual-TLS grant against CertURL when a certificate, key and
// CertURL are all present, else a client-secret grant against URL. Anything else fails
// with CREDENTIALS_INVALID.
func (p *TokenProvider) FetchToken(ctx context.Context, creds Credentials) (string, error) {
	switch {
	case creds.UsesMTLS():
		return p.fetchWithMTLS(ctx, creds)
	case creds.ClientID != "" && creds.ClientSecret != "":
		return p.fetchWithClientSecret(ctx, creds)
	default:
		return "", errors.NewError(errors.ErrCodeCredentialsInvalid, "invalid credentials provided for token fetching").
			WithComponent("token").
			WithOperation("fetch")
	}
}

func (p *TokenProvider) fetchWithClientSecret(ctx context.Context, creds Credentials) (string, error) {
	p.logger.Debug("Using OAuth client credentials to fetch token")
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     strings.TrimRight(creds.URL, "/") + tokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return p.exchange(ctx, cfg, p.httpClient)
}

func (p *TokenProvider) fetchWithMTLS(ctx context.Context, creds Credentials) (string, error) {
	p.logger.Debug("Using mTLS certificate and key to fetch token")
	pair, err := tls.X509KeyPair([]byte(creds.Certificate), []byte(creds.Key))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeCredentialsInvalid, "invalid mTLS certificate or key", err).
			WithComponent("token").
			WithOperation("fetch")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      p.rootCAs,
		MinVersion:   tls.VersionTLS12,
	}
	client := &http.Client{Transport: transport, Timeout: p.httpClient.Timeout}

	cfg := clientcredentials.Config{
		ClientID:       creds.ClientID,
		TokenURL:       strings.TrimRight(creds.CertURL, "/") + tokenPath,
		AuthStyle:      oauth2.AuthStyleInParams,
		EndpointParams: url.Values{"response_type": {"token"}},
	}
	return p.exchange(ctx, cfg, client)
}

func (p *TokenProvider) exchange(ctx context.Context, cfg clientcredentials.Config, client *http.Client) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	tok, err := cfg.Token(ctx)
	if err != nil {
		p.logger.Error("Token request failed", "token_url", cfg.TokenURL, "error", err)
		var rerr *oauth2.RetrieveError
		if stderr.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < http.StatusInternalServerError {
			return "", errors.Wrap(errors.ErrCodeCredentialsInvalid, "token endpoint rejected credentials", err).
				WithComponent("token").
				WithOperation("fetch").
				WithDetail("status", rerr.Response.StatusCode)
		}
		return "", errors.Wrap(errors.ErrCodeNetworkError, "token request failed", err).
			WithComponent("token").
			WithOperation("fetch")
	}
	return tok.AccessToken, nil
}
