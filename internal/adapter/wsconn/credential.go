package wsconn

import (
	"context"
	"os"

	"maas-ws/internal/domain"
)

// EnvCredentials reads the credential from environment variables on every
// call, falling back to the static values.
type EnvCredentials struct {
	CSRFTokenEnv string
	SessionIDEnv string
	Fallback     domain.Credential
}

// Credential implements domain.CredentialSource.
func (e EnvCredentials) Credential(_ context.Context) (domain.Credential, error) {
	cred := e.Fallback
	if e.CSRFTokenEnv != "" {
		if v := os.Getenv(e.CSRFTokenEnv); v != "" {
			cred.CSRFToken = v
		}
	}
	if e.SessionIDEnv != "" {
		if v := os.Getenv(e.SessionIDEnv); v != "" {
			cred.SessionID = v
		}
	}
	return cred, nil
}

// StaticCredentials always returns the same credential.
type StaticCredentials domain.Credential

// Credential implements domain.CredentialSource.
func (s StaticCredentials) Credential(_ context.Context) (domain.Credential, error) {
	return domain.Credential(s), nil
}

var (
	_ domain.CredentialSource = EnvCredentials{}
	_ domain.CredentialSource = StaticCredentials{}
)
