package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeAuthService(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/auth/verify", func(c *gin.Context) {
		switch c.GetHeader("Authorization") {
		case "Bearer good":
			c.JSON(http.StatusOK, gin.H{"userId": 7, "username": "alice", "typ": "access"})
		case "Bearer refresh":
			c.JSON(http.StatusOK, gin.H{"userId": 7, "username": "alice", "typ": "refresh"})
		case "Bearer broken":
			c.String(http.StatusInternalServerError, "boom")
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token is expired"})
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPAuthorizer(t *testing.T) {
	srv := fakeAuthService(t)
	a := NewHTTPAuthorizer(srv.URL+"/", time.Second)
	ctx := context.Background()

	g, err := a.Authorize(ctx, "good", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, Grant{UserID: 7, Username: "alice", DocumentID: "doc-1"}, g)

	_, err = a.Authorize(ctx, "expired", "doc-1")
	require.ErrorIs(t, err, ErrUnauthorizedJoin)
	assert.Contains(t, err.Error(), "token is expired")

	_, err = a.Authorize(ctx, "refresh", "doc-1")
	require.ErrorIs(t, err, ErrUnauthorizedJoin)

	_, err = a.Authorize(ctx, "", "doc-1")
	require.ErrorIs(t, err, ErrUnauthorizedJoin)

	_, err = a.Authorize(ctx, "broken", "doc-1")
	require.ErrorIs(t, err, ErrUpstream)
}

func TestHTTPAuthorizer_UpstreamDown(t *testing.T) {
	srv := fakeAuthService(t)
	a := NewHTTPAuthorizer(srv.URL, time.Second)
	srv.Close()

	_, err := a.Authorize(context.Background(), "good", "doc-1")
	require.ErrorIs(t, err, ErrUpstream)
}

func TestTicketAuthorizer(t *testing.T) {
	a := NewTicketAuthorizer("s3cret")
	ctx := context.Background()

	ticket, exp, err := a.Issue(7, "alice", "doc-1", time.Minute)
	require.NoError(t, err)

	g, err := a.Authorize(ctx, ticket, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), g.UserID)
	assert.Equal(t, "doc-1", g.DocumentID)
	assert.WithinDuration(t, exp, g.ExpiresAt, time.Second)

	_, err = a.Authorize(ctx, ticket, "doc-2")
	require.ErrorIs(t, err, ErrUnauthorizedJoin)

	_, err = NewTicketAuthorizer("other").Authorize(ctx, ticket, "doc-1")
	require.ErrorIs(t, err, ErrUnauthorizedJoin)

	a.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = a.Authorize(ctx, ticket, "doc-1")
	require.ErrorIs(t, err, ErrUnauthorizedJoin)
}
