package fetch

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// EnvSession sources the producer credential from an environment variable.
// Refresh re-reads the variable, which covers deployments where an external
// agent rotates the token in place.
type EnvSession struct {
	mu    sync.RWMutex
	envar string
	token string
}

// NewEnvSession creates an EnvSession reading envar.
func NewEnvSession(envar string) *EnvSession {
	return &EnvSession{envar: envar, token: os.Getenv(envar)}
}

// Token returns the cached credential.
func (s *EnvSession) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// Refresh re-reads the environment variable. An empty value means the
// rotation agent has not provisioned a new credential.
func (s *EnvSession) Refresh(_ context.Context) error {
	token := os.Getenv(s.envar)
	if token == "" {
		return fmt.Errorf("no credential available in %s", s.envar)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}
