// Package secrets holds the credential backends and the key layout they share.
package secrets

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// KeyScheme prefixes every credential reference stored on an identity.
const KeyScheme = "enrollctl://"

// RelativePath turns a credential reference such as
// "enrollctl://identity/alice/credential" into a slash-separated path that
// cannot escape the backend root.
func RelativePath(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", errors.New("secret key is empty")
	}

	rel := strings.TrimPrefix(trimmed, KeyScheme)
	if strings.Contains(rel, "://") || strings.Contains(rel, `\`) {
		return "", fmt.Errorf("invalid secret key %q", key)
	}

	cleaned := path.Clean(rel)
	if path.IsAbs(cleaned) || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	return cleaned, nil
}
