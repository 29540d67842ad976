package room

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// codeAlphabet excludes the visually confusable 0/O/1/I so codes survive
// being read aloud or copied from a screen.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the fixed length of a room code.
const CodeLength = 6

// NewCode generates a random human-typable room code. Uniqueness among
// active rooms is enforced at insert time; callers retry on collision.
func NewCode() string {
	code := make([]byte, CodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code)
}

// NormalizeCode uppercases and trims user input; lookups are
// case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
