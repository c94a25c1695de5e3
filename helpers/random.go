package helpers

import (
	"crypto/rand"
	"math/big"
)

const seedAlphabet = "abcdefghijkmnopqrstuvwxyz23456789"

// RandomToken returns n characters drawn uniformly from an alphabet without
// easily confused glyphs (no l, 0, 1).
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(seedAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = seedAlphabet[idx.Int64()]
	}
	return string(buf), nil
}

// RandomInt64InRange returns a uniformly distributed value in [min, max).
func RandomInt64InRange(min, max int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(max-min))
	if err != nil {
		return 0, err
	}
	return min + n.Int64(), nil
}
