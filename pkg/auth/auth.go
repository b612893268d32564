package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Header carries the operator token on administrative requests.
const Header = "X-Update-Token"

var (
	// ErrMissingToken indicates that the token header was not provided.
	ErrMissingToken = errors.New("missing update token")
	// ErrInvalidToken indicates the token did not match.
	ErrInvalidToken = errors.New("invalid update token")
	// ErrDisabled indicates the server has no token configured.
	ErrDisabled = errors.New("administrative access disabled")
)

// ExtractToken reads the operator token from the request.
func ExtractToken(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.Header.Get(Header))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Check compares the request token against expected in constant time.
// An empty expected token disables administrative access.
func Check(r *http.Request, expected string) error {
	if expected == "" {
		return ErrDisabled
	}
	token, err := ExtractToken(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Require wraps next so it only runs for requests carrying the token.
func Require(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Check(r, expected); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrDisabled) {
				status = http.StatusForbidden
			}
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}
