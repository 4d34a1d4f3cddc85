package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

var (
	ErrUnauthorizedJoin = errors.New("UNAUTHORIZED_JOIN")
	ErrUpstream         = errors.New("AUTH_UPSTREAM_ERROR")
)

// Grant is what the document directory decided before a session may join.
type Grant struct {
	UserID     uint64
	Username   string
	DocumentID string
	ExpiresAt  time.Time
}

// Authorizer decides whether token may join docID.
type Authorizer interface {
	Authorize(ctx context.Context, token, docID string) (Grant, error)
}

// AllowAll admits every join. Only for local development.
type AllowAll struct{}

func (AllowAll) Authorize(_ context.Context, _, docID string) (Grant, error) {
	return Grant{DocumentID: docID}, nil
}

type verifyErrResp struct {
	Error string `json:"error"`
}

type verifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"typ"`
}

// HTTPAuthorizer asks the auth service to verify an access token.
type HTTPAuthorizer struct {
	verifyURL string
	client    *http.Client
	timeout   time.Duration
}

// baseURL 不带路径，例如 http://localhost:3001
func NewHTTPAuthorizer(baseURL string, timeout time.Duration) *HTTPAuthorizer {
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	return &HTTPAuthorizer{
		verifyURL: strings.TrimRight(baseURL, "/") + "/v1/auth/verify",
		client:    &http.Client{},
		timeout:   timeout,
	}
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, token, docID string) (Grant, error) {
	if token == "" {
		return Grant{}, fmt.Errorf("%w: missing token", ErrUnauthorizedJoin)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return Grant{}, fmt.Errorf("%w: %s", ErrUnauthorizedJoin, e.Error)
	default:
		return Grant{}, fmt.Errorf("%w: verify status %d", ErrUpstream, resp.StatusCode)
	}

	var claims verifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Grant{}, fmt.Errorf("%w: invalid verify response: %v", ErrUpstream, err)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Grant{}, fmt.Errorf("%w: access token required", ErrUnauthorizedJoin)
	}
	glog.V(1).Infof("directory: user=%d authorized for doc=%s", claims.UserID, docID)
	return Grant{UserID: claims.UserID, Username: claims.Username, DocumentID: docID}, nil
}
