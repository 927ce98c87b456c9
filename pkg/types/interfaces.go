package types

import (
	"context"
	"io"
)

// ObjectStore is an object-store client bound to one bucket.
type ObjectStore interface {
	// Bucket returns the bucket this client writes to.
	Bucket() string

	// Upload stores body under key, using multipart upload for large payloads.
	Upload(ctx context.Context, key string, body io.Reader) error

	// Download returns the object stored under key. The caller closes the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Copy duplicates the object stored under src to dst within the bucket.
	Copy(ctx context.Context, src, dst string) error

	// Delete removes key and reports whether a delete marker was created.
	Delete(ctx context.Context, key string) (bool, error)

	// ListKeys returns every key under prefix, following pagination.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// DeleteKeys removes keys in bulk and returns how many were deleted.
	DeleteKeys(ctx context.Context, keys []string) (int, error)

	HealthCheck(ctx context.Context) error
}

// ObjectStoreCredentials address a bucket. They come from static configuration or from
// a tenant's broker binding.
type ObjectStoreCredentials struct {
	Region          string `yaml:"region" json:"region"`
	Bucket          string `yaml:"bucket" json:"bucket"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	Endpoint        string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// Complete reports whether every field needed to build a client is set.
func (c ObjectStoreCredentials) Complete() bool {
	return c.Region != "" && c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Attachment is an attachment metadata row. Only ID, UpID, URL and Note are interpreted;
// Fields is carried through unchanged.
type Attachment struct {
	ID     string            `json:"ID"`
	UpID   string            `json:"up__ID,omitempty"`
	URL    string            `json:"url,omitempty"`
	Note   string            `json:"note,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Payload is an attachment to write together with its content.
type Payload struct {
	Attachment
	Content io.Reader `json:"-"`
}

// Filter selects metadata rows. Empty fields do not constrain the result.
type Filter struct {
	IDs  []string
	UpID string
}

// URLRef is a projected storage key.
type URLRef struct {
	URL string `json:"url"`
}

// MetadataStore persists attachment metadata rows, keyed by tenant, entity and ID. A
// tenant never sees the rows of another tenant.
type MetadataStore interface {
	// HasEntity reports whether entity is a known attachment entity.
	HasEntity(entity string) bool

	// Get returns the tenant's row for id, or nil when none exists.
	Get(ctx context.Context, tenant, entity, id string) (*Attachment, error)

	// Put inserts or replaces a row of tenant.
	Put(ctx context.Context, tenant, entity string, a Attachment) error

	UpdateNote(ctx context.Context, tenant, entity, id, note string) error
	Delete(ctx context.Context, tenant, entity, id string) error

	// URLs returns the non-empty storage keys of the tenant's rows matching filter.
	URLs(ctx context.Context, tenant, entity string, filter Filter) ([]URLRef, error)
}

// Scanner requests a malware scan of a stored attachment.
type Scanner interface {
	ScanRequest(ctx context.Context, tenant, entity, id string) error
}

// PutRequest describes one or more attachments to write for a tenant.
type PutRequest struct {
	Tenant string
	Entity string
	Items  []Payload

	// IsDraft writes the metadata rows to the entity's drafts table.
	IsDraft bool

	// Content is used for a single item that carries no content of its own.
	Content io.Reader
}

// Backend is an attachment storage backend selected at configuration time.
type Backend interface {
	Put(ctx context.Context, req PutRequest) error
	Get(ctx context.Context, tenant, entity, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, tenant, key string) (bool, error)
	ResolveClientForTenant(ctx context.Context, tenant string) (ObjectStore, error)
}
