package reader

import (
	"fmt"
	"strconv"
)

// StartOffset is the offset of the first record in a file.
const StartOffset = "0"

// FormatOffset renders a record position in its checkpoint form.
func FormatOffset(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// ParseOffset parses a decimal checkpoint offset. Signs, blanks and
// non-decimal digits are rejected.
func ParseOffset(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}
	return n, nil
}
