package adapter

import "context"

type AuthResult struct {
	Valid    bool
	Identity string
}

// Authenticator validates session tokens issued by the external auth service.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (AuthResult, error)
}
