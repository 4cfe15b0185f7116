// Package record encodes rows as typed binary tuples and compares encoded
// primary keys.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Column types supported by the engine.
type ColumnType uint8

const (
	ColInteger ColumnType = iota + 1
	ColText
	ColReal
	ColBoolean
	ColTimestamp
	ColBlob
	ColDecimal
)

var colTypeNames = map[ColumnType]string{
	ColInteger:   "INTEGER",
	ColText:      "TEXT",
	ColReal:      "REAL",
	ColBoolean:   "BOOLEAN",
	ColTimestamp: "TIMESTAMP",
	ColBlob:      "BLOB",
	ColDecimal:   "DECIMAL",
}

func (t ColumnType) String() string {
	if s, ok := colTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseColumnType maps a declared type name to its ColumnType. NUMERIC is an
// alias for DECIMAL.
func ParseColumnType(name string) (ColumnType, error) {
	switch strings.ToUpper(name) {
	case "INTEGER", "INT":
		return ColInteger, nil
	case "TEXT":
		return ColText, nil
	case "REAL":
		return ColReal, nil
	case "BOOLEAN", "BOOL":
		return ColBoolean, nil
	case "TIMESTAMP":
		return ColTimestamp, nil
	case "BLOB":
		return ColBlob, nil
	case "DECIMAL", "NUMERIC":
		return ColDecimal, nil
	default:
		return 0, fmt.Errorf("record: unsupported type %q", name)
	}
}

// Decimal is an arbitrary-precision decimal carried as its canonical string.
type Decimal string

var (
	ErrTypeMismatch = errors.New("record: value does not match column type")
	ErrBadDecimal   = errors.New("record: malformed decimal literal")
)

// Coerce validates a Go value against a column type and normalizes it to
// the canonical in-memory representation: int64, string, float64, bool,
// time.Time (UTC), []byte, Decimal, or nil.
func Coerce(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case ColInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		}
	case ColText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case ColReal:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
	case ColBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case ColTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case int64:
			// raw epoch microseconds
			return time.UnixMicro(x).UTC(), nil
		}
	case ColBlob:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	case ColDecimal:
		switch x := v.(type) {
		case Decimal:
			return CanonicalDecimal(string(x))
		case string:
			return CanonicalDecimal(x)
		case int64:
			return Decimal(fmt.Sprintf("%d", x)), nil
		case int:
			return Decimal(fmt.Sprintf("%d", x)), nil
		}
	}
	return nil, fmt.Errorf("%w: %T is not %s", ErrTypeMismatch, v, t)
}

// CanonicalDecimal normalizes a decimal literal: optional sign, no leading
// '+', no redundant zeros, no trailing fractional zeros, no bare '.'.
func CanonicalDecimal(s string) (Decimal, error) {
	neg, digits, frac, err := splitDecimal(s)
	if err != nil {
		return "", err
	}
	digits = strings.TrimLeft(digits, "0")
	frac = strings.TrimRight(frac, "0")
	if digits == "" {
		digits = "0"
	}
	if digits == "0" && frac == "" {
		return "0", nil
	}
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(digits)
	if frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return Decimal(b.String()), nil
}

func splitDecimal(s string) (neg bool, digits, frac string, err error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return false, "", "", ErrBadDecimal
	}
	switch raw[0] {
	case '-':
		neg = true
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}
	intPart, fracPart, _ := strings.Cut(raw, ".")
	if intPart == "" && fracPart == "" {
		return false, "", "", ErrBadDecimal
	}
	for _, part := range []string{intPart, fracPart} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return false, "", "", fmt.Errorf("%w: %q", ErrBadDecimal, s)
			}
		}
	}
	return neg, intPart, fracPart, nil
}

// CompareDecimal orders two canonical decimals numerically.
func CompareDecimal(a, b Decimal) int {
	an, ad, af, _ := splitDecimal(string(a))
	bn, bd, bf, _ := splitDecimal(string(b))
	if an != bn {
		if an {
			return -1
		}
		return 1
	}
	cmp := compareMagnitude(ad, af, bd, bf)
	if an {
		return -cmp
	}
	return cmp
}

func compareMagnitude(ad, af, bd, bf string) int {
	ad = strings.TrimLeft(ad, "0")
	bd = strings.TrimLeft(bd, "0")
	if len(ad) != len(bd) {
		if len(ad) < len(bd) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(ad, bd); c != 0 {
		return c
	}
	// integer parts equal: compare fractions digit by digit
	for i := 0; i < len(af) || i < len(bf); i++ {
		var da, db byte = '0', '0'
		if i < len(af) {
			da = af[i]
		}
		if i < len(bf) {
			db = bf[i]
		}
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}
