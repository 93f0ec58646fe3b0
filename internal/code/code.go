package code

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

const (
	// Alphabet is the case-sensitive alphanumeric symbol set codes are drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	DefaultLength = 8
	MinLength     = 6

	// maxByte is the largest multiple of len(Alphabet) that fits in a byte.
	// Bytes at or above it are discarded so every symbol is equally likely.
	maxByte = 256 - (256 % len(Alphabet))
)

// Generator produces transfer codes from a cryptographically strong source.
type Generator struct {
	length int
	source io.Reader
}

// NewGenerator returns a generator for codes of the given length.
func NewGenerator(length int) (*Generator, error) {
	if length < MinLength {
		return nil, fmt.Errorf("code length %d is below the minimum of %d", length, MinLength)
	}

	return &Generator{length: length, source: rand.Reader}, nil
}

// Length is the number of symbols in every generated code.
func (g *Generator) Length() int {
	return g.length
}

// Generate returns a new random code.
func (g *Generator) Generate() (string, error) {
	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)

	for len(out) < g.length {
		if _, err := io.ReadFull(g.source, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}

		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}

			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == g.length {
				break
			}
		}
	}

	return string(out), nil
}

// Valid reports whether s has the shape of a code this generator produces.
func (g *Generator) Valid(s string) bool {
	if len(s) != g.length {
		return false
	}

	for i := 0; i < len(s); i++ {
		if !isAlphabetSymbol(s[i]) {
			return false
		}
	}

	return true
}

func isAlphabetSymbol(c byte) bool {
	return strings.IndexByte(Alphabet, c) >= 0
}
