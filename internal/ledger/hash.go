package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Scheme selects how the 32-bit fold accumulator is rendered as text.
type Scheme string

const (
	// SchemeFold32 renders the accumulator as exactly 8 lowercase hex digits of its
	// unsigned value. Difficulties 1..8 are reachable.
	SchemeFold32 Scheme = "fold32"
	// SchemeFold32Signed renders the signed accumulator in base 16 without padding,
	// with a leading '-' for negative values. Blobs written by the browser client use it.
	SchemeFold32Signed Scheme = "fold32-signed"
)

func (s Scheme) Valid() bool {
	return s == SchemeFold32 || s == SchemeFold32Signed
}

// MaxDifficulty is the largest difficulty the scheme can ever satisfy.
func (s Scheme) MaxDifficulty() int {
	switch s {
	case SchemeFold32:
		return 8
	case SchemeFold32Signed:
		// Only an accumulator of exactly 0 renders with a leading '0'.
		return 1
	default:
		return 0
	}
}

// Fold is the rolling multiply-add over the UTF-16 code units of data:
// h = ((h << 5) - h) + c, wrapped to int32 at every step.
func Fold(data string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(data)) {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// Sum concatenates fields and renders their fold under the scheme.
func (s Scheme) Sum(fields ...any) string {
	h := Fold(concat(fields))
	if s == SchemeFold32Signed {
		return strconv.FormatInt(int64(h), 16)
	}
	return fmt.Sprintf("%08x", uint32(h))
}

func concat(fields []any) string {
	var b strings.Builder
	for _, f := range fields {
		switch v := f.(type) {
		case string:
			b.WriteString(v)
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		case int:
			b.WriteString(strconv.Itoa(v))
		case uint64:
			b.WriteString(strconv.FormatUint(v, 10))
		default:
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

// meetsDifficulty reports whether the first d characters of hash are '0'.
func meetsDifficulty(hash string, d int) bool {
	if d <= 0 {
		return true
	}
	if len(hash) < d {
		return false
	}
	for i := 0; i < d; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}
