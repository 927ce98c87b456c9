// Package scanner requests malware scans of stored attachments.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/retry"
	"github.com/service-tip-git/attachments/pkg/types"
)

// Scan statuses reported back by the scanning service.
const (
	StatusClean    = "Clean"
	StatusInfected = "Infected"
	StatusFailed   = "Failed"
)

// Request is the body sent to the scanning service.
type Request struct {
	Tenant string `json:"tenant"`
	Entity string `json:"entity"`
	ID     string `json:"ID"`
}

// Result is the body the scanning service posts back once a scan has finished.
type Result struct {
	Request
	Status string `json:"status"`
}

// Infected reports whether the scan found malware.
func (r Result) Infected() bool { return r.Status == StatusInfected }

// Config configures an HTTPScanner.
type Config struct {
	URL     string
	Timeout time.Duration
	Retry   retry.Config
}

// HTTPScanner posts scan requests to a scanning service.
type HTTPScanner struct {
	url     string
	client  *http.Client
	retryer *retry.Retryer
	logger  *slog.Logger
}

var _ types.Scanner = (*HTTPScanner)(nil)

// NewHTTPScanner creates a scanner posting to cfg.URL.
func NewHTTPScanner(cfg Config, logger *slog.Logger) *HTTPScanner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScanner{
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		retryer: retry.New(cfg.Retry),
		logger:  logger.With("component", "scanner"),
	}
}

// ScanRequest asks the scanning service to scan an attachment. Server errors and
// transport failures are retried.
func (s *HTTPScanner) ScanRequest(ctx context.Context, tenant, entity, id string) error {
	body, err := json.Marshal(Request{Tenant: tenant, Entity: entity, ID: id})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternalError, "failed to encode scan request", err)
	}

	err = s.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return s.post(ctx, body)
	})
	if err != nil {
		s.logger.Error("Scan request failed", "tenant", tenant, "entity", entity, "id", id, "error", err)
		return err
	}
	s.logger.Debug("Scan requested", "tenant", tenant, "entity", entity, "id", id)
	return nil
}

func (s *HTTPScanner) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid scanner url", err).WithComponent("scanner")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodeNetworkError, "scanner unreachable", err).WithComponent("scanner")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return errors.NewError(errors.ErrCodeNetworkError, fmt.Sprintf("scanner returned %d", resp.StatusCode)).
			WithComponent("scanner")
	default:
		e := errors.NewError(errors.ErrCodeOperationFailed, fmt.Sprintf("scanner rejected request with %d", resp.StatusCode)).
			WithComponent("scanner")
		e.Retryable = false
		return e
	}
}

// Noop accepts every scan request without doing anything.
type Noop struct{}

func (Noop) ScanRequest(context.Context, string, string, string) error { return nil }
