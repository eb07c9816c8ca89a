package auth

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateState returns a fresh random (version 4) UUID for use as the OAuth
// state parameter. uuid.NewRandom reads from crypto/rand, giving 122 bits of
// entropy.
func GenerateState() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return id.String(), nil
}

// VerifyState reports whether received exactly matches the state stored for the
// pending login. An empty expected value means there is no pending login.
func VerifyState(expected, received string) bool {
	if expected == "" {
		return false
	}
	return expected == received
}
