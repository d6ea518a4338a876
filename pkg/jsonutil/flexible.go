package jsonutil

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FlexibleFloat reads a numeric cell that may be encoded as a JSON number or
// as a numeric string ("12.5", " 3e-2 "). Returns false for null, empty,
// non-numeric text, NaN and infinities.
func FlexibleFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	var numVal float64
	if err := json.Unmarshal(raw, &numVal); err == nil {
		return numVal, isFinite(numVal)
	}

	var strVal string
	if err := json.Unmarshal(raw, &strVal); err == nil {
		return ParseNumber(strVal)
	}

	return 0, false
}

// ParseNumber parses a trimmed decimal string. Empty, non-numeric and
// non-finite inputs return false.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, isFinite(f)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
