package servicemanager

import (
	"github.com/service-tip-git/attachments/pkg/errors"
)

// Credentials are the service-manager binding credentials used to obtain broker tokens.
type Credentials struct {
	// SMURL is the broker API base URL.
	SMURL string `yaml:"sm_url" json:"sm_url"`
	// URL is the authorization server base URL for the client-secret grant.
	URL          string `yaml:"url" json:"url"`
	ClientID     string `yaml:"clientid" json:"clientid"`
	ClientSecret string `yaml:"clientsecret" json:"clientsecret"`

	// Certificate and Key are PEM blocks used for the mutual-TLS grant against CertURL.
	Certificate string `yaml:"certificate" json:"certificate"`
	Key         string `yaml:"key" json:"key"`
	CertURL     string `yaml:"certurl" json:"certurl"`
}

// Validate checks that the broker and auth URLs are set and that either a client secret
// or a certificate/key pair is available.
func (c Credentials) Validate() error {
	if c.SMURL == "" || c.URL == "" {
		return errors.NewError(errors.ErrCodeCredentialsInvalid,
			"missing service manager credentials: sm_url or url is not defined").
			WithComponent("servicemanager")
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		if c.Certificate == "" || c.Key == "" {
			return errors.NewError(errors.ErrCodeCredentialsInvalid,
				"client credentials missing and no certificate/key for mTLS").
				WithComponent("servicemanager")
		}
	}
	return nil
}

// UsesMTLS reports whether the mutual-TLS grant will be used.
func (c Credentials) UsesMTLS() bool {
	return c.Certificate != "" && c.Key != "" && c.CertURL != ""
}

// Redacted returns a copy with secrets removed, suitable for logging.
func (c Credentials) Redacted() Credentials {
	if c.ClientSecret != "" {
		c.ClientSecret = "***"
	}
	if c.Key != "" {
		c.Key = "***"
	}
	return c
}
