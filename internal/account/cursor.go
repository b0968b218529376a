package account

import (
	"strconv"
	"strings"
)

// CursorAfter reports whether cursor a is strictly newer than b in the
// provider's ordering. Gmail history ids are unsigned decimal integers; any
// non-numeric value falls back to length-then-lexical order, which agrees with
// numeric order for unpadded decimals. An empty b is older than everything.
func CursorAfter(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return an > bn
	}
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}
