package mailinglist

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const blfCryptPrefix = "{BLF-CRYPT}"

// HashPassword creates a bcrypt hash in the {BLF-CRYPT} format. A cost of 0
// uses bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// VerifyPassword returns ErrBadPassword when password does not match hash.
func VerifyPassword(hash, password string) error {
	hash = strings.TrimPrefix(hash, blfCryptPrefix)
	if !strings.HasPrefix(hash, "$2a$") && !strings.HasPrefix(hash, "$2b$") && !strings.HasPrefix(hash, "$2y$") {
		return errors.New("unknown password hash scheme")
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrBadPassword
	}
	return err
}
