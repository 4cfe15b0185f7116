package record

import (
	"bytes"
	"strings"
	"time"
)

// Compare orders two encoded tuples field by field: integers and timestamps
// as signed 64-bit, text byte-wise UTF-8, reals numerically, booleans
// false<true, blobs byte-wise, decimals numerically. A shorter tuple that
// is a prefix of the other sorts first. Malformed input compares as raw
// bytes; key tuples are produced by Encode and never contain NULL.
func Compare(a, b []byte) int {
	av, errA := Decode(a)
	bv, errB := Decode(b)
	if errA != nil || errB != nil {
		return bytes.Compare(a, b)
	}
	n := min(len(av), len(bv))
	for i := range n {
		if c := compareValue(av[i], bv[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(av) < len(bv):
		return -1
	case len(av) > len(bv):
		return 1
	default:
		return 0
	}
}

func compareValue(a, b any) int {
	// NULL sorts before everything; keys never hold it but scan bounds may
	// be shorter prefixes decoded through the same path
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		if !ok {
			return compareKindRank(a, b)
		}
		return cmpOrdered(x, y)
	case float64:
		y, ok := b.(float64)
		if !ok {
			return compareKindRank(a, b)
		}
		return cmpOrdered(x, y)
	case string:
		y, ok := b.(string)
		if !ok {
			return compareKindRank(a, b)
		}
		return strings.Compare(x, y)
	case bool:
		y, ok := b.(bool)
		if !ok {
			return compareKindRank(a, b)
		}
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case []byte:
		y, ok := b.([]byte)
		if !ok {
			return compareKindRank(a, b)
		}
		return bytes.Compare(x, y)
	case Decimal:
		y, ok := b.(Decimal)
		if !ok {
			return compareKindRank(a, b)
		}
		return CompareDecimal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return compareKindRank(a, b)
		}
		return cmpOrdered(x.UnixMicro(), y.UnixMicro())
	default:
		return compareKindRank(a, b)
	}
}

// Equal reports whether two canonical values compare as the same.
func Equal(a, b any) bool { return compareValue(a, b) == 0 }

// compareKindRank gives mixed-type comparisons a stable total order; a key
// column always has one type so this only fires on corrupt input.
func compareKindRank(a, b any) int {
	return cmpOrdered(kindRank(a), kindRank(b))
}

func kindRank(v any) int {
	switch v.(type) {
	case int64:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case bool:
		return 4
	case []byte:
		return 5
	case Decimal:
		return 6
	case time.Time:
		return 7
	default:
		return 8
	}
}

func cmpOrdered[T int | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
