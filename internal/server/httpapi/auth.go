package httpapi

import "errors"

// ErrInvalidToken is returned by verifiers for unusable tokens.
var ErrInvalidToken = errors.New("invalid token")

// StaticVerifier accepts any non-empty token and uses it verbatim as the
// user id. Development and test use only; production deployments plug in a
// real identity provider behind TokenVerifier.
type StaticVerifier struct{}

func (StaticVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
