package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/agentuity/go-kvstore/config"
	"github.com/cockroachdb/errors"
)

// Adapted from https://elithrar.github.io/article/generating-secure-random-numbers-crypto-rand/

func init() {
	assertAvailablePRNG()
}

func assertAvailablePRNG() {
	// Assert that a cryptographically secure PRNG is available.
	// Panic otherwise.
	buf := make([]byte, 1)

	_, err := io.ReadFull(rand.Reader, buf)
	if err != nil {
		panic(fmt.Sprintf("crypto/rand is unavailable: Read() failed with %#v", err))
	}
}

// idLetters is the session id alphabet, 5 bits per character.
const idLetters = "0123456789abcdefghijklmnopqrstuv"

const (
	// DefaultIDLength is the length of ids made by NewID when given 0.
	DefaultIDLength = 32
	// MinIDLength is the shortest id ValidateID accepts.
	MinIDLength = config.MinSessionIDLength
	// MaxIDLength is the longest id ValidateID accepts.
	MaxIDLength = config.MaxSessionIDLength
)

// NewID returns a securely generated session id of the given length,
// clamped to [MinIDLength, MaxIDLength] so ValidateID always accepts it.
// It will return an error if the system's secure random
// number generator fails to function correctly, in which
// case the caller should not continue.
func NewID(length int) (string, error) {
	switch {
	case length <= 0:
		length = DefaultIDLength
	case length < MinIDLength:
		length = MinIDLength
	case length > MaxIDLength:
		length = MaxIDLength
	}
	ret := make([]byte, length)
	max := big.NewInt(int64(len(idLetters)))
	for i := range length {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		ret[i] = idLetters[num.Int64()]
	}
	return string(ret), nil
}

// ValidateID rejects ids that NewID could not have produced.
func ValidateID(id string) error {
	if len(id) < MinIDLength || len(id) > MaxIDLength {
		return errors.Wrapf(ErrInvalidID, "length %d", len(id))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'v') {
			return errors.Wrapf(ErrInvalidID, "character %q", c)
		}
	}
	return nil
}
