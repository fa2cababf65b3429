package predicate

import (
	"reflect"

	"github.com/spf13/cast"
)

// typeRank implements the BSON-style cross-type ordering:
// Null < Number < String < Object < Array < Binary < ObjectId < Boolean < Date < Regex.
// Only the subset reachable from decoded JSON is ranked (opaque ids are
// hex strings and rank as strings); anything else sorts last.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return 1
	case string:
		return 2
	case map[string]any:
		return 3
	case []any:
		return 4
	case bool:
		return 7
	default:
		return 8
	}
}

// Compare orders two decoded JSON values per the BSON-style type order,
// falling within a type to numeric or lexicographic comparison. Used by
// the predicate compiler's in-process fallback and by the aggregation
// planner's streaming $sort/$group accumulators.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		fa, _ := cast.ToFloat64E(a)
		fb, _ := cast.ToFloat64E(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 2:
		sa, _ := cast.ToStringE(a)
		sb, _ := cast.ToStringE(b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	case 7:
		ba, _ := cast.ToBoolE(a)
		bb, _ := cast.ToBoolE(b)
		if ba == bb {
			return 0
		}
		if !ba && bb {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Equal reports whether two decoded JSON values are equal under the
// same coercion rules Compare uses. Objects and arrays, which Compare
// only ranks, compare structurally.
func Equal(a, b any) bool {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return false
	}
	if ra == 3 || ra == 4 {
		return reflect.DeepEqual(a, b)
	}
	return Compare(a, b) == 0
}

// asNumber coerces a decoded JSON value to float64 for Eval's $mod,
// reporting ok=false for non-numeric input (Eval then treats the
// clause as not matching).
func asNumber(v any) (float64, bool) {
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

// asInt coerces to int64, used for $mod and $size operands.
func asInt(v any) (int64, bool) {
	i, err := cast.ToInt64E(v)
	return i, err == nil
}
