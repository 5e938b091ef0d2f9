package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSecret(t *testing.T, dir, name, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value), 0600))
}

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()
	p := NewEnvProvider()

	t.Setenv("DB_HOST", "plain")
	v, err := p.GetSecret(ctx, "DB_HOST")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	t.Setenv(EnvPrefix+"DB_HOST", "namespaced")
	v, err = p.GetSecret(ctx, "DB_HOST")
	require.NoError(t, err)
	assert.Equal(t, "namespaced", v)

	v, err = p.GetSecret(ctx, "NOT_SET_ANYWHERE")
	require.NoError(t, err)
	assert.Empty(t, v)

	assert.True(t, p.IsAvailable(ctx))
	assert.Equal(t, "env", p.Name())
}

func TestFileProvider(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSecret(t, dir, "claude-api-key", "sk-ant-test-key\n")
	writeSecret(t, dir, "JWT_SECRET", "exact-name-secret")

	p := NewFileProvider(dir)

	t.Run("kebab case file", func(t *testing.T) {
		v, err := p.GetSecret(ctx, "CLAUDE_API_KEY")
		require.NoError(t, err)
		assert.Equal(t, "sk-ant-test-key", v)
	})

	t.Run("exact name file", func(t *testing.T) {
		v, err := p.GetSecret(ctx, "JWT_SECRET")
		require.NoError(t, err)
		assert.Equal(t, "exact-name-secret", v)
	})

	t.Run("missing file is empty", func(t *testing.T) {
		v, err := p.GetSecret(ctx, "DB_PASSWORD")
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("availability", func(t *testing.T) {
		assert.True(t, p.IsAvailable(ctx))
		assert.False(t, NewFileProvider("/non/existent/path").IsAvailable(ctx))
		assert.False(t, NewFileProvider("").IsAvailable(ctx))

		writeSecret(t, dir, "not-a-directory", "x")
		assert.False(t, NewFileProvider(filepath.Join(dir, "not-a-directory")).IsAvailable(ctx))
	})

	t.Run("unconfigured path", func(t *testing.T) {
		_, err := NewFileProvider("").GetSecret(ctx, "ANY_KEY")
		assert.Error(t, err)
	})

	t.Run("unreadable file", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("root can read any file")
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "no-read-secret"), []byte("x"), 0000))
		_, err := p.GetSecret(ctx, "NO_READ_SECRET")
		assert.Error(t, err)
	})
}

func TestChainProvider(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSecret(t, dir, "file-secret", "from-file")
	t.Setenv("ENV_SECRET", "from-env")
	t.Setenv("FILE_SECRET", "shadowed")

	chain := NewChainProvider(NewFileProvider(dir), NewEnvProvider())

	v, err := chain.GetSecret(ctx, "FILE_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-file", v)

	v, err = chain.GetSecret(ctx, "ENV_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	assert.True(t, chain.IsAvailable(ctx))
	assert.Equal(t, "chain", chain.Name())

	empty := NewChainProvider(NewFileProvider("/non/existent"))
	assert.False(t, empty.IsAvailable(ctx))
	_, err = empty.GetSecret(ctx, "ANY_KEY")
	assert.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	values := map[string]string{"PORT": "9090"}
	p := NewStaticProvider(values)
	values["PORT"] = "1"

	v, err := p.GetSecret(context.Background(), "PORT")
	require.NoError(t, err)
	assert.Equal(t, "9090", v)
	assert.True(t, p.IsAvailable(context.Background()))
	assert.False(t, NewStaticProvider(nil).IsAvailable(context.Background()))
}

func withServiceAccountDir(t *testing.T, dir string) {
	t.Helper()
	old := serviceAccountDir
	serviceAccountDir = dir
	t.Cleanup(func() { serviceAccountDir = old })
}

func TestK8sProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("outside a pod", func(t *testing.T) {
		withServiceAccountDir(t, filepath.Join(t.TempDir(), "missing"))
		secrets := t.TempDir()

		p := NewK8sProvider(secrets, "")
		assert.Equal(t, "default", p.Namespace())
		assert.False(t, p.IsAvailable(ctx))
		assert.Equal(t, "kubernetes", p.Name())
	})

	t.Run("inside a pod", func(t *testing.T) {
		sa := t.TempDir()
		writeSecret(t, sa, "token", "fake-token")
		writeSecret(t, sa, "namespace", "impact-prod\n")
		withServiceAccountDir(t, sa)

		secrets := t.TempDir()
		for name, value := range map[string]string{
			"claude-api-key": "sk-ant-production-key",
			"jwt-secret":     "super-secure-jwt-secret-at-least-32-chars",
			"db-password":    "secure-database-password\n",
			"redis-password": "secure-redis-password",
		} {
			writeSecret(t, secrets, name, value)
		}

		p := NewK8sProvider(secrets, "")
		assert.Equal(t, "impact-prod", p.Namespace())
		assert.True(t, p.IsAvailable(ctx))

		for key, want := range map[string]string{
			"CLAUDE_API_KEY": "sk-ant-production-key",
			"JWT_SECRET":     "super-secure-jwt-secret-at-least-32-chars",
			"DB_PASSWORD":    "secure-database-password",
			"REDIS_PASSWORD": "secure-redis-password",
		} {
			v, err := p.GetSecret(ctx, key)
			require.NoError(t, err, key)
			assert.Equal(t, want, v, key)
		}

		assert.False(t, NewK8sProvider("/non/existent/path", "x").IsAvailable(ctx))
	})

	t.Run("explicit namespace wins", func(t *testing.T) {
		assert.Equal(t, "custom-namespace", NewK8sProvider("", "custom-namespace").Namespace())
	})

	t.Run("feeds the loader", func(t *testing.T) {
		sa := t.TempDir()
		writeSecret(t, sa, "token", "fake-token")
		withServiceAccountDir(t, sa)

		secrets := t.TempDir()
		writeSecret(t, secrets, "jwt-secret", "mounted-jwt-secret")
		t.Setenv("JWT_SECRET", "env-jwt-secret")

		cfg, err := NewLoader(NewChainProvider(NewK8sProvider(secrets, ""), NewEnvProvider())).Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "mounted-jwt-secret", cfg.Auth.JWTSecret)
	})
}
