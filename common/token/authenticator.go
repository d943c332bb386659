package token

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sagernet/devgate/adapter"
	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/option"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

func NewAuthenticator(options *option.AuthOptions) (adapter.Authenticator, error) {
	if options == nil || (len(options.Tokens) == 0 && options.VerifyURL == "") {
		return nil, E.New("missing authenticator: set auth.tokens or auth.verify_url")
	}
	var authenticators Chain
	if len(options.Tokens) > 0 {
		authenticators = append(authenticators, NewStaticAuthenticator(options.Tokens))
	}
	if options.VerifyURL != "" {
		remote, err := NewRemoteAuthenticator(options.VerifyURL, time.Duration(options.VerifyTimeout))
		if err != nil {
			return nil, err
		}
		authenticators = append(authenticators, remote)
	}
	if len(authenticators) == 1 {
		return authenticators[0], nil
	}
	return authenticators, nil
}

// Chain accepts a token when any member accepts it. Members are asked in
// order and the first error stops the walk.
type Chain []adapter.Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (adapter.AuthResult, error) {
	for _, authenticator := range c {
		result, err := authenticator.Authenticate(ctx, token)
		if err != nil || result.Valid {
			return result, err
		}
	}
	return adapter.AuthResult{}, nil
}

type StaticAuthenticator struct {
	tokens [][]byte
}

func NewStaticAuthenticator(tokens []string) *StaticAuthenticator {
	authenticator := &StaticAuthenticator{}
	for _, token := range tokens {
		authenticator.tokens = append(authenticator.tokens, []byte(token))
	}
	return authenticator
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, token string) (adapter.AuthResult, error) {
	var matched int
	for _, candidate := range a.tokens {
		matched |= subtle.ConstantTimeCompare(candidate, []byte(token))
	}
	if matched == 0 {
		return adapter.AuthResult{}, nil
	}
	return adapter.AuthResult{Valid: true, Identity: "static"}, nil
}

// RemoteAuthenticator asks the authentication service whether a token is
// valid. The service answers a bearer-authenticated GET with
// {"valid": bool, "identity": string}; 401 and 403 mean invalid.
type RemoteAuthenticator struct {
	verifyURL string
	client    *http.Client
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	Identity string `json:"identity,omitempty"`
}

func NewRemoteAuthenticator(verifyURL string, timeout time.Duration) (*RemoteAuthenticator, error) {
	parsed, err := url.Parse(verifyURL)
	if err != nil {
		return nil, E.Cause(err, "parse verify url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, E.New("verify url must be http or https: ", verifyURL)
	}
	if timeout == 0 {
		timeout = C.AuthenticateTimeout
	}
	return &RemoteAuthenticator{
		verifyURL: verifyURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (a *RemoteAuthenticator) Authenticate(ctx context.Context, token string) (adapter.AuthResult, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, a.verifyURL, nil)
	if err != nil {
		return adapter.AuthResult{}, err
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	response, err := a.client.Do(request)
	if err != nil {
		return adapter.AuthResult{}, E.Cause(err, "verify session token")
	}
	defer response.Body.Close()
	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return adapter.AuthResult{}, nil
	default:
		return adapter.AuthResult{}, E.New("verify session token: unexpected status ", response.Status)
	}
	content, err := io.ReadAll(io.LimitReader(response.Body, 64*1024))
	if err != nil {
		return adapter.AuthResult{}, E.Cause(err, "read verify response")
	}
	var result verifyResponse
	err = json.Unmarshal(content, &result)
	if err != nil {
		return adapter.AuthResult{}, E.Cause(err, "decode verify response")
	}
	return adapter.AuthResult{
		Valid:    result.Valid,
		Identity: result.Identity,
	}, nil
}
