package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// MinTimestamp and MaxTimestamp bound accepted Unix-seconds values
	// (1970-01-01 through 2030-01-01).
	MinTimestamp int64 = 0
	MaxTimestamp int64 = 1_893_456_000

	// ISO8601 is the layout of KindTimestamp values (millisecond precision, UTC).
	ISO8601 = "2006-01-02T15:04:05.000Z"

	minLicenseYear = 1900
	maxLicenseYear = 2030
)

// ConvertTimestamp normalizes a raw source timestamp.
//
// The raw value must parse to an integer in [MinTimestamp, MaxTimestamp];
// thousands separators in strings are ignored. For KindEpoch the integer is
// returned, for KindTimestamp its ISO-8601 string. Anything invalid yields nil.
// Other kinds get the integer unchanged.
func ConvertTimestamp(raw any, kind Kind) any {
	secs, ok := parseInteger(raw)
	if !ok || secs < MinTimestamp || secs > MaxTimestamp {
		return nil
	}
	if kind == KindTimestamp {
		return FormatISO8601(secs)
	}
	return secs
}

// FormatISO8601 formats Unix seconds the way KindTimestamp fields are stored.
func FormatISO8601(secs int64) string {
	return time.Unix(secs, 0).UTC().Format(ISO8601)
}

// ValidateLicenseDate builds a YYYY-MM-DD string from numeric-coercible
// parts. It reports false when a part is missing, out of range
// (year 1900-2030, month 1-12, day 1-31) or the date does not exist.
func ValidateLicenseDate(year, month, day any) (string, bool) {
	y, ok := parseInteger(year)
	if !ok || y < minLicenseYear || y > maxLicenseYear {
		return "", false
	}
	m, ok := parseInteger(month)
	if !ok || m < 1 || m > 12 {
		return "", false
	}
	d, ok := parseInteger(day)
	if !ok || d < 1 || d > 31 {
		return "", false
	}

	t := time.Date(int(y), time.Month(m), int(d), 0, 0, 0, 0, time.UTC)
	if t.Year() != int(y) || int64(t.Month()) != m || int64(t.Day()) != d {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

// parseInteger coerces ints, whole floats and numeric strings to int64.
func parseInteger(raw any) (int64, bool) {
	switch v := raw.(type) {
	case nil:
		return 0, false
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return uintToInt(uint64(v))
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return uintToInt(v)
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case []byte:
		return parseIntegerString(string(v))
	case string:
		return parseIntegerString(v)
	case time.Time:
		if v.IsZero() {
			return 0, false
		}
		return v.Unix(), true
	default:
		return 0, false
	}
}

func uintToInt(v uint64) (int64, bool) {
	if v > math.MaxInt64 {
		return 0, false
	}
	return int64(v), true
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func parseIntegerString(s string) (int64, bool) {
	s = cleanNumber(s)
	if s == "" {
		return 0, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return floatToInt(f)
}

// cleanNumber trims whitespace and drops thousands separators.
func cleanNumber(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}

// =============================================================================
// Scalar coercions
// =============================================================================

// The functions below return (nil, "") for NULL input, (value, "") on
// success and (nil, note) when the input could not be coerced.

func toString(raw any) (any, string) {
	var s string
	switch v := raw.(type) {
	case nil:
		return nil, ""
	case string:
		s = v
	case []byte:
		s = string(v)
	case bool:
		s = strconv.FormatBool(v)
	case float32:
		s = strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		s = v.UTC().Format(time.RFC3339)
	default:
		if i, ok := parseInteger(v); ok {
			s = strconv.FormatInt(i, 10)
		} else {
			s = fmt.Sprint(v)
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ""
	}
	return s, ""
}

func toInt(raw any) (any, string) {
	if isBlank(raw) {
		return nil, ""
	}
	if i, ok := parseInteger(raw); ok {
		return i, ""
	}
	return nil, fmt.Sprintf("not an integer: %v", raw)
}

func toFloat(raw any) (any, string) {
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, "not a finite number"
		}
		return v, ""
	case float32:
		return toFloat(float64(v))
	case string:
		return parseFloatString(v)
	case []byte:
		return parseFloatString(string(v))
	}
	if isBlank(raw) {
		return nil, ""
	}
	if i, ok := parseInteger(raw); ok {
		return float64(i), ""
	}
	return nil, fmt.Sprintf("not a number: %v", raw)
}

func parseFloatString(s string) (any, string) {
	s = strings.TrimPrefix(cleanNumber(s), "$")
	if s == "" {
		return nil, ""
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Sprintf("not a number: %q", s)
	}
	return f, ""
}

func toBool(raw any) (any, string) {
	switch v := raw.(type) {
	case nil:
		return nil, ""
	case bool:
		return v, ""
	case string, []byte:
		s, _ := toString(v)
		if s == nil {
			return nil, ""
		}
		switch strings.ToLower(s.(string)) {
		case "1", "true", "t", "yes", "y":
			return true, ""
		case "0", "false", "f", "no", "n":
			return false, ""
		}
		return nil, fmt.Sprintf("not a boolean: %q", s)
	}
	if i, ok := parseInteger(raw); ok && (i == 0 || i == 1) {
		return i == 1, ""
	}
	return nil, fmt.Sprintf("not a boolean: %v", raw)
}

func isBlank(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []byte:
		return strings.TrimSpace(string(v)) == ""
	}
	return false
}
