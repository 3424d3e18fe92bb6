package z

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// CompareKeys checks the key without timestamp and checks the timestamp if keyNoTs
// is same.
// a<timestamp> would be sorted higher than aa<timestamp> if we use bytes.compare
// All keys should have timestamp.
func CompareKeys(key1, key2 []byte) int {
	if cmp := bytes.Compare(key1[:len(key1)-8], key2[:len(key2)-8]); cmp != 0 {
		return cmp
	}
	return bytes.Compare(key1[len(key1)-8:], key2[len(key2)-8:])
}

// KeyWithTs generates a new key by appending ts to key. Timestamps are stored
// inverted so that a higher timestamp sorts before a lower one for the same key.
func KeyWithTs(key []byte, ts uint64) []byte {
	out := make([]byte, len(key)+8)
	copy(out, key)
	binary.BigEndian.PutUint64(out[len(key):], math.MaxUint64-ts)
	return out
}

// ParseKey parses the actual key from the key bytes.
func ParseKey(key []byte) []byte {
	if key == nil {
		return nil
	}

	return key[:len(key)-8]
}

// ParseTs parses the timestamp from the key bytes.
func ParseTs(key []byte) uint64 {
	if len(key) <= 8 {
		return 0
	}
	return math.MaxUint64 - binary.BigEndian.Uint64(key[len(key)-8:])
}

// SameKey checks for key equality ignoring the version timestamp suffix.
func SameKey(src, dst []byte) bool {
	if len(src) != len(dst) {
		return false
	}

	return bytes.Equal(ParseKey(src), ParseKey(dst))
}

// Check panics if the provided error is not nil. Should only be used for errors that
// can never be handled gracefully.
func Check(err error) {
	if err != nil {
		panic(errors.Wrap(err, "assertion failed"))
	}
}

// AssertTrue panics if the provided condition is false.
func AssertTrue(condition bool) {
	if !condition {
		panic(errors.New("assertion failed"))
	}
}

// AssertTruef panics with the formatted message if the provided condition is false.
func AssertTruef(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(errors.Errorf(format, args...))
	}
}

// Wrapf wraps the provided error with a formatted message, keeping the original
// stack trace intact.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
