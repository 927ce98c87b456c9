package utils

import (
	"fmt"
	"strings"
)

// ValidateObjectKey checks that an attachment storage key is a relative, clean object key.
//
// Keys are addressed inside a bucket, often under a tenant prefix, so a key must not be
// absolute and must not contain ".." segments that would let it escape that prefix.
func ValidateObjectKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("absolute keys not allowed: %s", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return fmt.Errorf("key contains directory traversal: %s", key)
		}
	}
	return nil
}

// TenantPrefix returns the key prefix owned by tenant in a shared bucket. The trailing
// slash keeps tenant "t1" from matching keys of tenant "t10".
func TenantPrefix(tenant string) string {
	return strings.TrimSuffix(tenant, "/") + "/"
}
