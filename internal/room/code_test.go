package room

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		code := NewCode()
		require.Len(t, code, CodeLength)
		for _, c := range code {
			require.Contains(t, codeAlphabet, string(c), "code %q uses a character outside the alphabet", code)
		}
		seen[code] = true
	}
	// 32^6 possible codes; 1000 draws colliding more than a handful of
	// times would indicate a broken generator.
	require.Greater(t, len(seen), 990)
}

func TestCodeAlphabetExcludesConfusables(t *testing.T) {
	for _, c := range "0O1I" {
		require.NotContains(t, codeAlphabet, string(c))
	}
}

func TestNormalizeCode(t *testing.T) {
	require.Equal(t, "AB23CD", NormalizeCode("  ab23cd "))
	require.Equal(t, strings.ToUpper("xyzxyz"), NormalizeCode("xyzxyz"))
}
