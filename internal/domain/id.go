package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ID is the canonical, comparable form of a provider identifier.
//
// Providers hand out integers, numeric strings or free-form strings. All of
// them are folded into an ID at the provider boundary so the rest of the
// catalog can compare identifiers without caring about their origin.
type ID string

// NewID builds an ID from an integer identifier.
func NewID(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// ParseID normalises a loosely typed identifier value.
//
// Integers and integral floats become their base-10 form, numeric strings
// lose leading zeros and surrounding whitespace, other strings are trimmed.
// Empty, fractional and unsupported values are rejected, as are strings
// containing "/", which separates identifiers in node paths.
func ParseID(v any) (ID, error) {
	switch x := v.(type) {
	case ID:
		return ParseID(string(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return "", fmt.Errorf("%w: empty identifier", ErrMalformedRecord)
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return NewID(n), nil
		}
		if strings.Contains(s, "/") {
			return "", fmt.Errorf("%w: identifier %q contains '/'", ErrMalformedRecord, s)
		}
		return ID(s), nil
	case int:
		return NewID(int64(x)), nil
	case int32:
		return NewID(int64(x)), nil
	case int64:
		return NewID(x), nil
	case uint:
		return ID(strconv.FormatUint(uint64(x), 10)), nil
	case uint32:
		return NewID(int64(x)), nil
	case uint64:
		return ID(strconv.FormatUint(x, 10)), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return "", fmt.Errorf("%w: identifier %v is not integral", ErrMalformedRecord, x)
		}
		return NewID(int64(x)), nil
	case json.Number:
		return ParseID(x.String())
	case nil:
		return "", fmt.Errorf("%w: missing identifier", ErrMalformedRecord)
	default:
		return "", fmt.Errorf("%w: unsupported identifier type %T", ErrMalformedRecord, v)
	}
}

// MustID is ParseID for literals in tests and seed data; it panics on bad input.
func MustID(v any) ID {
	id, err := ParseID(v)
	if err != nil {
		panic(err)
	}
	return id
}

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool { return id == "" }

// Int64 returns the numeric value of id when it is numeric.
func (id ID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Compare orders identifiers numerically when both are numeric and
// lexicographically otherwise. Numeric identifiers sort before textual ones.
func (id ID) Compare(other ID) int {
	a, aNum := id.Int64()
	b, bNum := other.Int64()
	switch {
	case aNum && bNum:
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(string(id), string(other))
}

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*id = ""
		return nil
	}
	parsed, err := ParseID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
