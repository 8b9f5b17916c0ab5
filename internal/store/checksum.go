package store

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Algorithm identifies a supported digest.
type Algorithm int

const (
	SHA1 Algorithm = iota
	SHA256
	SHA512
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return "unknown"
	}
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	default:
		return sha1.New()
	}
}

// HexLen is the length of a hex digest for the algorithm.
func (a Algorithm) HexLen() int {
	switch a {
	case SHA256:
		return 64
	case SHA512:
		return 128
	default:
		return 40
	}
}

// ParseAlgorithm resolves "sha1", "sha256" or "sha512".
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	case "sha512":
		return SHA512, nil
	default:
		return 0, fmt.Errorf("unknown checksum algorithm: %s", name)
	}
}

// Checksum is the content address of a stored object.
type Checksum struct {
	Algo Algorithm
	Hex  string
}

// IsZero reports whether the checksum is unset.
func (c Checksum) IsZero() bool {
	return c.Hex == ""
}

// String returns the prefixed form, e.g. "sha1:3f7a...".
func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algo.String() + ":" + c.Hex
}

// Equal compares algorithm and digest, ignoring hex case.
func (c Checksum) Equal(o Checksum) bool {
	return c.Algo == o.Algo && strings.EqualFold(c.Hex, o.Hex)
}

// Validate checks that the digest is hex of the algorithm's length.
func (c Checksum) Validate() error {
	if c.IsZero() {
		return fmt.Errorf("empty checksum")
	}
	if len(c.Hex) != c.Algo.HexLen() {
		return fmt.Errorf("invalid %s digest %q: want %d hex chars", c.Algo, c.Hex, c.Algo.HexLen())
	}
	if _, err := hex.DecodeString(c.Hex); err != nil {
		return fmt.Errorf("invalid %s digest %q: %w", c.Algo, c.Hex, err)
	}
	return nil
}

// SHA1Sum builds a sha1 checksum from a bare hex digest as published by
// the version registry.
func SHA1Sum(hexDigest string) (Checksum, error) {
	sum := Checksum{Algo: SHA1, Hex: strings.ToLower(strings.TrimSpace(hexDigest))}
	if err := sum.Validate(); err != nil {
		return Checksum{}, err
	}
	return sum, nil
}

// ParseChecksum parses "algo:hex" or a bare hex digest whose algorithm is
// guessed from its length.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}

	var algo Algorithm
	digest := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		a, err := ParseAlgorithm(prefix)
		if err != nil {
			return Checksum{}, err
		}
		algo = a
		digest = rest
	} else {
		switch len(s) {
		case 40:
			algo = SHA1
		case 64:
			algo = SHA256
		case 128:
			algo = SHA512
		default:
			return Checksum{}, fmt.Errorf("cannot infer checksum algorithm from %d hex chars", len(s))
		}
	}

	sum := Checksum{Algo: algo, Hex: strings.ToLower(digest)}
	if err := sum.Validate(); err != nil {
		return Checksum{}, err
	}
	return sum, nil
}

// Calculate returns the checksum of data using algo.
func Calculate(data []byte, algo Algorithm) Checksum {
	h := algo.New()
	h.Write(data)
	return Checksum{Algo: algo, Hex: hex.EncodeToString(h.Sum(nil))}
}

// Verify reports whether data matches sum.
func Verify(data []byte, sum Checksum) bool {
	return Calculate(data, sum.Algo).Equal(sum)
}
