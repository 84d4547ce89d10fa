package crm

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrNoCredentials is returned when no token is configured for an integration.
var ErrNoCredentials = eris.New("crm: no credentials for integration")

// CredentialProvider hands out ready-to-use clients per integration. Token
// storage and decryption live behind this interface.
type CredentialProvider interface {
	ClientFor(ctx context.Context, integrationID string) (Client, error)
}

// StaticCredentials serves tokens from configuration. Clients are cached per
// integration so each integration shares one rate limiter.
type StaticCredentials struct {
	defaultToken string
	tokens       map[string]string
	opts         []Option

	mu      sync.Mutex
	clients map[string]Client
}

// NewStaticCredentials creates a provider. tokens maps integration ids to
// tokens; defaultToken serves any integration not listed.
func NewStaticCredentials(defaultToken string, tokens map[string]string, opts ...Option) *StaticCredentials {
	return &StaticCredentials{
		defaultToken: defaultToken,
		tokens:       tokens,
		opts:         opts,
		clients:      make(map[string]Client),
	}
}

// ClientFor returns the cached client for integrationID.
func (s *StaticCredentials) ClientFor(_ context.Context, integrationID string) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[integrationID]; ok {
		return c, nil
	}

	token := s.tokens[integrationID]
	if token == "" {
		token = s.defaultToken
	}
	if token == "" {
		return nil, eris.Wrapf(ErrNoCredentials, "integration %s", integrationID)
	}

	c := NewClient(token, s.opts...)
	s.clients[integrationID] = c
	return c, nil
}
