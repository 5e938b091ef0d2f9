package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvPrefix namespaces environment variables. IMPACT_QUERY_DB_HOST wins over
// DB_HOST so the service can share a pod environment with other processes.
const EnvPrefix = "IMPACT_QUERY_"

// DefaultSecretsPath is where mounted secret files are looked up
const DefaultSecretsPath = "/var/secrets"

// serviceAccountDir is the in-pod service account mount
var serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

// SecretProvider resolves configuration values by key
type SecretProvider interface {
	// GetSecret returns the value for key, or "" when this provider has none
	GetSecret(ctx context.Context, key string) (string, error)

	// Name identifies the provider in logs
	Name() string

	// IsAvailable reports whether the provider can be consulted at all
	IsAvailable(ctx context.Context) bool
}

// DefaultProviders is the lookup order used by NewDefaultLoader: mounted
// Kubernetes secrets, then a secrets directory, then the environment
func DefaultProviders() []SecretProvider {
	return []SecretProvider{
		NewK8sProvider("", ""),
		NewFileProvider(DefaultSecretsPath),
		NewEnvProvider(),
	}
}

// ChainProvider returns the first non-empty value from its providers
type ChainProvider struct {
	providers []SecretProvider
}

// NewChainProvider chains providers in lookup order
func NewChainProvider(providers ...SecretProvider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

// GetSecret consults each available provider until one has a value
func (c *ChainProvider) GetSecret(ctx context.Context, key string) (string, error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.IsAvailable(ctx) {
			continue
		}
		value, err := p.GetSecret(ctx, key)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", p.Name(), err)
			continue
		}
		if value != "" {
			return value, nil
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("no provider has a value for %s", key)
}

func (c *ChainProvider) Name() string { return "chain" }

// IsAvailable reports whether any provider in the chain is available
func (c *ChainProvider) IsAvailable(ctx context.Context) bool {
	for _, p := range c.providers {
		if p.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// StaticProvider serves values from a fixed map. The CLI layers --set
// overrides in front of the default chain with it.
type StaticProvider struct {
	values map[string]string
}

// NewStaticProvider creates a provider backed by a copy of values
func NewStaticProvider(values map[string]string) *StaticProvider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticProvider{values: copied}
}

func (s *StaticProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return s.values[key], nil
}

func (s *StaticProvider) Name() string { return "static" }

func (s *StaticProvider) IsAvailable(ctx context.Context) bool { return len(s.values) > 0 }

// EnvProvider reads environment variables, preferring the EnvPrefix form
type EnvProvider struct{}

// NewEnvProvider creates an environment provider
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (e *EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		return v, nil
	}
	return os.Getenv(key), nil
}

func (e *EnvProvider) Name() string { return "env" }

func (e *EnvProvider) IsAvailable(ctx context.Context) bool { return true }

// FileProvider reads one secret per file from a directory. A key such as
// CLAUDE_API_KEY is looked up as claude-api-key, then as CLAUDE_API_KEY.
type FileProvider struct {
	secretsPath string
}

// NewFileProvider creates a provider over secretsPath
func NewFileProvider(secretsPath string) *FileProvider {
	return &FileProvider{secretsPath: secretsPath}
}

func secretFileNames(key string) []string {
	kebab := strings.ToLower(strings.ReplaceAll(key, "_", "-"))
	if kebab == key {
		return []string{key}
	}
	return []string{kebab, key}
}

// GetSecret returns the trimmed file contents. A missing file is not an
// error; an unreadable one is.
func (f *FileProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if f.secretsPath == "" {
		return "", errors.New("secrets path not configured")
	}
	for _, name := range secretFileNames(key) {
		path := filepath.Join(f.secretsPath, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read secret file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

func (f *FileProvider) Name() string { return "file" }

// IsAvailable reports whether the secrets directory exists
func (f *FileProvider) IsAvailable(ctx context.Context) bool {
	if f.secretsPath == "" {
		return false
	}
	info, err := os.Stat(f.secretsPath)
	return err == nil && info.IsDir()
}

// K8sProvider reads secrets Kubernetes mounted as files. It is only
// consulted inside a pod, detected by the service account token.
type K8sProvider struct {
	files     *FileProvider
	namespace string
}

// NewK8sProvider creates a provider over secretsPath (DefaultSecretsPath when
// empty). An empty namespace is read from the service account mount.
func NewK8sProvider(secretsPath, namespace string) *K8sProvider {
	if secretsPath == "" {
		secretsPath = DefaultSecretsPath
	}
	if namespace == "" {
		namespace = "default"
		if ns, err := os.ReadFile(filepath.Join(serviceAccountDir, "namespace")); err == nil {
			if trimmed := strings.TrimSpace(string(ns)); trimmed != "" {
				namespace = trimmed
			}
		}
	}
	return &K8sProvider{files: NewFileProvider(secretsPath), namespace: namespace}
}

func (k *K8sProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return k.files.GetSecret(ctx, key)
}

func (k *K8sProvider) Name() string { return "kubernetes" }

// IsAvailable reports whether this process runs in a pod with secrets mounted
func (k *K8sProvider) IsAvailable(ctx context.Context) bool {
	if _, err := os.Stat(filepath.Join(serviceAccountDir, "token")); err != nil {
		return false
	}
	return k.files.IsAvailable(ctx)
}

// Namespace returns the pod namespace
func (k *K8sProvider) Namespace() string {
	return k.namespace
}
