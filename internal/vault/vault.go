// Package vault stores operational secrets (the event-bus token) in the OS
// keychain, with environment and file fallbacks for headless deployments.
package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "cachetap"

// knownSecrets is the list of secret names checked by List().
var knownSecrets = []string{"bus"}

// Vault provides secure secret storage using the OS keychain,
// with fallback to environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores a secret under the given name in the OS keychain.
func (v *Vault) Set(name, secret string) error {
	return keyring.Set(serviceName, name, secret)
}

// Get retrieves the secret with the given name. It first checks the OS
// keychain, then falls back to the environment variable
// CACHETAP_SECRET_{UPPER(name)}.
func (v *Vault) Get(name string) (string, error) {
	secret, err := keyring.Get(serviceName, name)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := "CACHETAP_SECRET_" + strings.ToUpper(name)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no secret found for %q: not in keychain and %s not set", name, envKey)
}

// Delete removes the named secret from the OS keychain.
func (v *Vault) Delete(name string) error {
	return keyring.Delete(serviceName, name)
}

// List returns the names of known secrets that currently resolve.
func (v *Vault) List() ([]string, error) {
	var names []string
	for _, name := range knownSecrets {
		if secret, err := keyring.Get(serviceName, name); err == nil && secret != "" {
			names = append(names, name)
			continue
		}
		if val := os.Getenv("CACHETAP_SECRET_" + strings.ToUpper(name)); val != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// ResolveRef parses a secret reference and retrieves its value.
// Supported formats:
//   - "keyring://cachetap/<name>" (preferred)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/secret" (first line of a file)
//
// An empty ref resolves to an empty secret, meaning unauthenticated.
func (v *Vault) ResolveRef(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}

	if strings.HasPrefix(ref, "keyring://") {
		path := strings.TrimPrefix(ref, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid secret reference %q (expected \"keyring://cachetap/<name>\")", ref)
		}
		return v.Get(parts[1])
	}

	if strings.HasPrefix(ref, "env:") {
		envVar := strings.TrimPrefix(ref, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	if strings.HasPrefix(ref, "file://") {
		filePath := strings.TrimPrefix(ref, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading secret file %q: %w", filePath, err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("secret file %q is empty", filePath)
		}
		return secret, nil
	}

	// A bare value is used verbatim. Discouraged outside tests.
	return ref, nil
}
