package config

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strongSecret = "f3c1a9e07b5d4e2a8c6b1d9f0e7a3c5b"

func TestEnvSecretManager(t *testing.T) {
	manager := &EnvSecretManager{}

	t.Setenv("SENTINEL_AUTH_JWT_SECRET", strongSecret)
	value, err := manager.GetJWTSecret()
	require.NoError(t, err)
	assert.Equal(t, strongSecret, value)

	_, err = manager.GetSecret("missing_key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SENTINEL_MISSING_KEY")
}

func TestVaultSecretManager(t *testing.T) {
	var gotToken, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Vault-Token")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"data":{"jwt_secret":"` + strongSecret + `","count":3}}}`))
	}))
	defer srv.Close()

	cfg := &Config{}
	cfg.Auth.Vault.Address = srv.URL
	cfg.Auth.Vault.Token = "s.test"
	cfg.Auth.Vault.Path = "kv/data/sentinel"

	manager, err := NewVaultSecretManager(cfg)
	require.NoError(t, err)

	value, err := manager.GetJWTSecret()
	require.NoError(t, err)
	assert.Equal(t, strongSecret, value)
	assert.Equal(t, "s.test", gotToken)
	assert.Equal(t, "/v1/kv/data/sentinel", gotPath)

	_, err = manager.GetSecret("absent")
	assert.Error(t, err)
	_, err = manager.GetSecret("count")
	assert.Error(t, err)
}

type fakeSecretsManager struct {
	secretsmanageriface.SecretsManagerAPI
	secret *string
	err    error
	asked  string
}

func (f *fakeSecretsManager) GetSecretValue(in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
	f.asked = aws.StringValue(in.SecretId)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: f.secret}, nil
}

func TestAWSSecretManager(t *testing.T) {
	fake := &fakeSecretsManager{secret: aws.String(`{"jwt_secret":"` + strongSecret + `"}`)}
	manager := NewAWSSecretManagerWithClient("", fake)

	value, err := manager.GetJWTSecret()
	require.NoError(t, err)
	assert.Equal(t, strongSecret, value)
	assert.Equal(t, "sentinel/secrets", fake.asked)

	_, err = manager.GetSecret("other")
	assert.Error(t, err)

	fake.secret = aws.String("not json")
	_, err = manager.GetJWTSecret()
	assert.Error(t, err)

	fake.secret = nil
	_, err = manager.GetJWTSecret()
	assert.Error(t, err)

	fake.err = errors.New("access denied")
	_, err = manager.GetJWTSecret()
	assert.ErrorContains(t, err, "access denied")
}

func TestNewSecretManager(t *testing.T) {
	cfg := &Config{}
	m, err := NewSecretManager(cfg)
	require.NoError(t, err)
	assert.IsType(t, &EnvSecretManager{}, m)

	cfg.Auth.SecretProvider = "gcp"
	_, err = NewSecretManager(cfg)
	assert.Error(t, err)
}

type staticSecrets struct {
	value string
	err   error
}

func (s staticSecrets) GetSecret(string) (string, error) { return s.value, s.err }
func (s staticSecrets) GetJWTSecret() (string, error)    { return s.value, s.err }

func TestResolveJWTSecret(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.Algorithm = "HS256"
	require.NoError(t, ResolveJWTSecret(cfg, staticSecrets{value: strongSecret}))
	assert.Equal(t, strongSecret, cfg.Auth.JWTSecret)

	// a configured secret wins over the manager
	cfg.Auth.JWTSecret = "a7e4b2c9d1f0836e5a4b7c2d9e1f0a3b"
	require.NoError(t, ResolveJWTSecret(cfg, staticSecrets{err: errors.New("unreachable")}))

	tests := []struct {
		name   string
		secret string
	}{
		{"too short", "abc"},
		{"weak word", "changeme-changeme-changeme-changeme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{}
			c.Auth.Algorithm = "HS256"
			c.Auth.JWTSecret = tt.secret
			assert.Error(t, ResolveJWTSecret(c, staticSecrets{}))
		})
	}

	missing := &Config{}
	missing.Auth.Algorithm = "HS256"
	assert.Error(t, ResolveJWTSecret(missing, staticSecrets{err: errors.New("not set")}))

	rs := &Config{}
	rs.Auth.Algorithm = "RS256"
	assert.NoError(t, ResolveJWTSecret(rs, staticSecrets{err: errors.New("not set")}))
}
