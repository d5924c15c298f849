package circle

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the local user derived from the identity token.
type Identity struct {
	UserID   string
	Username string
}

type tokenClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParseIdentity extracts the local user from an identity token without
// verifying the signature. The backend is the verifier; the client only needs
// to know who it is sending as, so the reconciliation engine can tell its own
// messages from everyone else's.
func ParseIdentity(token string) (Identity, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("failed to parse identity token: %w", err)
	}
	id := Identity{UserID: claims.UserID, Username: claims.Username}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("identity token carries no user id")
	}
	return id, nil
}
