// Package s3test runs an in-memory S3 endpoint for tests.
package s3test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/service-tip-git/attachments/pkg/types"
)

// Server is a gofakes3 endpoint that counts the requests tests assert on.
type Server struct {
	*httptest.Server
	Backend *s3mem.Backend

	deleteBatches atomic.Int32
	listRequests  atomic.Int32
}

// NewServer starts a fake S3 endpoint with the given buckets created. It is closed when
// the test ends.
func NewServer(t testing.TB, buckets ...string) *Server {
	t.Helper()
	s := &Server{Backend: s3mem.New()}
	for _, bucket := range buckets {
		if err := s.Backend.CreateBucket(bucket); err != nil {
			t.Fatalf("create bucket %s: %v", bucket, err)
		}
	}

	fake := gofakes3.New(s.Backend).Server()
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case r.Method == http.MethodPost && q.Has("delete"):
			s.deleteBatches.Add(1)
		case r.Method == http.MethodGet && q.Get("list-type") == "2":
			s.listRequests.Add(1)
		}
		fake.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Server.Close)
	return s
}

// Credentials returns static credentials addressing bucket on this server.
func (s *Server) Credentials(bucket string) types.ObjectStoreCredentials {
	return types.ObjectStoreCredentials{
		Region:          "us-east-1",
		Bucket:          bucket,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Endpoint:        s.URL,
	}
}

// DeleteBatches returns the number of DeleteObjects requests received.
func (s *Server) DeleteBatches() int { return int(s.deleteBatches.Load()) }

// ListRequests returns the number of ListObjectsV2 requests received.
func (s *Server) ListRequests() int { return int(s.listRequests.Load()) }

// ResetCounters zeroes the request counters.
func (s *Server) ResetCounters() {
	s.deleteBatches.Store(0)
	s.listRequests.Store(0)
}
