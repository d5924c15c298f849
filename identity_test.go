package circle

import (
	"encoding/base64"
	"fmt"
	"testing"
)

// unsignedToken builds a token with the given claims body. The client never
// verifies signatures, so an empty signature segment is enough for tests.
func unsignedToken(claimsJSON string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(claimsJSON))
	return header + "." + claims + "."
}

func identityToken(userID, username string) string {
	return unsignedToken(fmt.Sprintf(`{"user_id":%q,"username":%q}`, userID, username))
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity(identityToken("u-1", "alice"))
	if err != nil {
		t.Fatalf("ParseIdentity error: %v", err)
	}
	if id.UserID != "u-1" || id.Username != "alice" {
		t.Fatalf("ParseIdentity = %+v, want u-1/alice", id)
	}
}

func TestParseIdentitySubjectFallback(t *testing.T) {
	id, err := ParseIdentity(unsignedToken(`{"sub":"u-2"}`))
	if err != nil {
		t.Fatalf("ParseIdentity error: %v", err)
	}
	if id.UserID != "u-2" {
		t.Fatalf("UserID = %q, want u-2 from sub claim", id.UserID)
	}
}

func TestParseIdentityErrors(t *testing.T) {
	if _, err := ParseIdentity("not-a-token"); err == nil {
		t.Error("ParseIdentity accepted garbage")
	}
	if _, err := ParseIdentity(unsignedToken(`{"username":"ghost"}`)); err == nil {
		t.Error("ParseIdentity accepted a token without a user id")
	}
}
