package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// sessionClaims is the expected shape of the bearer token: the subject is
// the user id, "usr" carries the username.
type sessionClaims struct {
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

// bearerToken extracts the credential from the handshake: the "token" query
// parameter or an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// verifyToken validates the HS256 signature and extracts identity.
func verifyToken(tokenString, signingKey string) (userID, username string, err error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return "", "", fmt.Errorf("token is not valid")
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("token has no subject")
	}
	if claims.Username == "" {
		return "", "", fmt.Errorf("token has no username")
	}
	return claims.Subject, claims.Username, nil
}
