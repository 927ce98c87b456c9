// Package storetest provides an in-memory types.ObjectStore with failure injection for
// tests.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
)

// Store keeps objects in memory and counts calls per operation.
type Store struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	calls   map[string]int
	fail    map[string]error
	batches [][]string
}

var _ types.ObjectStore = (*Store)(nil)

// New returns an empty store for bucket.
func New(bucket string) *Store {
	return &Store{
		bucket:  bucket,
		objects: make(map[string][]byte),
		calls:   make(map[string]int),
		fail:    make(map[string]error),
	}
}

// FailOn makes operation ("upload", "download", "copy", "delete", "list", "delete_keys")
// fail with err. A key-specific failure is registered as "upload:<key>".
func (s *Store) FailOn(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[operation] = err
}

// Seed stores data under key without counting a call.
func (s *Store) Seed(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
}

// Object returns the stored bytes for key.
func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// Keys returns the stored keys in order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns how many times operation was invoked.
func (s *Store) Calls(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[operation]
}

// TotalCalls returns the number of calls across all operations.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// DeleteBatches returns the key sets passed to DeleteKeys.
func (s *Store) DeleteBatches() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func (s *Store) enter(operation, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[operation]++
	if err, ok := s.fail[operation+":"+key]; ok {
		return err
	}
	return s.fail[operation]
}

func (s *Store) Bucket() string { return s.bucket }

func (s *Store) Upload(ctx context.Context, key string, body io.Reader) error {
	if err := s.enter("upload", key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.enter("download", key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, errors.NewError(errors.ErrCodeObjectNotFound, fmt.Sprintf("object not found: %s", key)).
			WithContext("key", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Copy registers its calls under the destination key.
func (s *Store) Copy(ctx context.Context, src, dst string) error {
	if err := s.enter("copy", dst); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[src]
	if !ok {
		return errors.NewError(errors.ErrCodeObjectNotFound, fmt.Sprintf("object not found: %s", src)).
			WithContext("key", src)
	}
	s.objects[dst] = append([]byte(nil), data...)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.enter("delete", key); err != nil {
		return false, err
	}
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return false, nil
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.enter("list", prefix); err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range s.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) DeleteKeys(ctx context.Context, keys []string) (int, error) {
	if err := s.enter("delete_keys", ""); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]string(nil), keys...))
	for _, k := range keys {
		delete(s.objects, k)
	}
	return len(keys), nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.enter("health", "")
}
