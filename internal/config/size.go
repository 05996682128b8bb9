package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// sizeUnits maps an upper-cased unit to its byte multiplier. Both SI (KB)
// and IEC (KiB) units are accepted; no unit means bytes.
var sizeUnits = map[string]int64{
	"":    1,
	"B":   1,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
	"TB":  1e12,
	"KIB": 1 << 10,
	"MIB": 1 << 20,
	"GIB": 1 << 30,
	"TIB": 1 << 40,
}

// ParseSize converts a size such as "512KiB", "1.5MB" or "2048" to bytes.
// Empty and "0" are 0.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	num, unit := splitUnit(s)

	mult, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unit)
	}

	if num == "" {
		return 0, fmt.Errorf("invalid size %q: missing number", s)
	}

	// Plain bytes must be whole.
	if mult == 1 {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", s, err)
		}

		if n < 0 {
			return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
		}

		return n, nil
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if f < 0 {
		return 0, fmt.Errorf("invalid size %q: must be non-negative", s)
	}

	bytes := f * float64(mult)
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}

	return int64(bytes), nil
}

// ParseRate parses a bandwidth limit such as "5MB/s" or "100KiB/s" into
// bytes per second. The "/s" is optional. Empty and "0" mean unlimited.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)

	size := s
	if cut := len(s) - len("/s"); cut >= 0 && strings.EqualFold(s[cut:], "/s") {
		size = s[:cut]
	}

	n, err := ParseSize(size)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}

	return n, nil
}

// splitUnit splits s at its first letter: "1.5 MiB" -> ("1.5", "MiB").
func splitUnit(s string) (num, unit string) {
	i := strings.IndexFunc(s, unicode.IsLetter)
	if i < 0 {
		return s, ""
	}

	return strings.TrimSpace(s[:i]), s[i:]
}
