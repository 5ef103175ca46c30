package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost matches the BCRYPT_ROUNDS default.
const DefaultBcryptCost = 12

// Hasher hashes and verifies passwords with bcrypt at a fixed cost.
type Hasher struct {
	cost int
}

// NewHasher validates cost against bcrypt's bounds.
func NewHasher(cost int) (Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return Hasher{}, fmt.Errorf("%w: bcrypt cost %d outside [%d,%d]", ErrInvalidInput, cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return Hasher{cost: cost}, nil
}

// Cost returns the configured work factor.
func (h Hasher) Cost() int {
	if h.cost == 0 {
		return DefaultBcryptCost
	}
	return h.cost
}

// Hash hashes plaintext password using bcrypt.
func (h Hasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost())
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify compares plaintext password with stored hash. Any error, including a
// malformed or empty hash, counts as a mismatch.
func (h Hasher) Verify(password, hash string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
