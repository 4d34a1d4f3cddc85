package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ticketType = "join"

// TicketClaims bind one user to one document for a short time.
type TicketClaims struct {
	UserID   uint64 `json:"uid"`
	Username string `json:"username"`
	DocID    string `json:"doc"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// TicketAuthorizer verifies HS256 join tickets issued by the document service.
type TicketAuthorizer struct {
	secret []byte
	now    func() time.Time
}

func NewTicketAuthorizer(secret string) *TicketAuthorizer {
	return &TicketAuthorizer{secret: []byte(secret), now: time.Now}
}

func (a *TicketAuthorizer) Issue(userID uint64, username, docID string, ttl time.Duration) (string, time.Time, error) {
	exp := a.now().Add(ttl)
	claims := &TicketClaims{
		UserID:   userID,
		Username: username,
		DocID:    docID,
		Type:     ticketType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(a.now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	ticket, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return ticket, exp, nil
}

func (a *TicketAuthorizer) Authorize(_ context.Context, token, docID string) (Grant, error) {
	if token == "" {
		return Grant{}, fmt.Errorf("%w: missing ticket", ErrUnauthorizedJoin)
	}
	parsed, err := jwt.ParseWithClaims(token, &TicketClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrUnauthorizedJoin, err)
	}
	claims, ok := parsed.Claims.(*TicketClaims)
	if !ok || !parsed.Valid || claims.Type != ticketType {
		return Grant{}, fmt.Errorf("%w: not a join ticket", ErrUnauthorizedJoin)
	}
	if claims.DocID != docID {
		return Grant{}, fmt.Errorf("%w: ticket is for %s", ErrUnauthorizedJoin, claims.DocID)
	}
	g := Grant{UserID: claims.UserID, Username: claims.Username, DocumentID: docID}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}
