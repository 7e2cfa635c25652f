package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// requireAuth guards a mutating handler with an HS256 bearer token. With
// no secret configured the handler is served as is.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "Missing authorization header")
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			writeError(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			s.logger.WithField("remote", r.RemoteAddr).Debugf("Rejected token: %v", err)
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next(w, r)
	})
}

// IssueToken signs an operator token with the given secret
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
