package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Authenticator resolves a session token to a user id. Session issuance and
// validation mechanics live with the main application; the realtime layer
// only consumes the result. Any error is treated as an invalid session.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// HTTPAuthenticator validates tokens against the main application's session
// endpoint. The endpoint receives the token as a bearer credential and
// answers with the session's user id.
type HTTPAuthenticator struct {
	endpoint string
	client   *fasthttp.Client
}

// NewHTTPAuthenticator creates an authenticator for the given session
// endpoint, e.g. "https://app.internal/api/session".
func NewHTTPAuthenticator(endpoint string) *HTTPAuthenticator {
	return &HTTPAuthenticator{
		endpoint: endpoint,
		client: &fasthttp.Client{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// Authenticate asks the session endpoint who owns the token.
func (a *HTTPAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.endpoint)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+token)

	if err := a.client.Do(req, resp); err != nil {
		return "", fmt.Errorf("session endpoint: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("session endpoint: status %d", resp.StatusCode())
	}

	var session struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(resp.Body(), &session); err != nil {
		return "", fmt.Errorf("session endpoint: %w", err)
	}
	if session.UserID == "" {
		return "", fmt.Errorf("session endpoint: no user id")
	}
	return session.UserID, nil
}

// DevAuthenticator accepts tokens of the form "dev:<userID>". Development
// only; it performs no verification at all.
type DevAuthenticator struct{}

// Authenticate extracts the user id from a dev token.
func (DevAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	userID, ok := strings.CutPrefix(token, "dev:")
	if !ok || userID == "" {
		return "", fmt.Errorf("not a dev token")
	}
	return userID, nil
}
