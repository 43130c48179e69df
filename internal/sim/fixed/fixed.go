// Package fixed implements the decimal fixed-point numbers used for every
// simulation quantity that would otherwise be a float. Results are identical on
// every platform because only integer instructions are involved.
package fixed

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// Scale is the number of fractional units in 1.0.
const Scale = 10000

// Value is a signed fixed-point number with four decimal places.
type Value int64

const (
	Zero Value = 0
	One  Value = Scale
	Max  Value = math.MaxInt64
	Min  Value = math.MinInt64
)

func FromInt(n int64) Value {
	return Value(n * Scale)
}

// FromRatio returns num/den truncated toward zero. den == 0 yields Zero.
func FromRatio(num, den int64) Value {
	if den == 0 {
		return Zero
	}
	return FromInt(num).Div(FromInt(den))
}

func (v Value) Add(o Value) Value { return v + o }

// AddChecked is Add that reports false instead of wrapping.
func (v Value) AddChecked(o Value) (Value, bool) {
	r := v + o
	if (o > 0 && r < v) || (o < 0 && r > v) {
		return 0, false
	}
	return r, true
}
func (v Value) Sub(o Value) Value { return v - o }
func (v Value) Neg() Value        { return -v }

func (v Value) Abs() Value {
	if v < 0 {
		return -v
	}
	return v
}

// Mul multiplies with a 128-bit intermediate, truncating toward zero and
// saturating at Max/Min.
func (v Value) Mul(o Value) Value {
	neg := (v < 0) != (o < 0)
	hi, lo := bits.Mul64(uabs(v), uabs(o))
	if hi >= Scale {
		return saturate(neg)
	}
	q, _ := bits.Div64(hi, lo, Scale)
	return signed(q, neg)
}

// Div divides with a 128-bit intermediate. Division by zero yields Zero.
func (v Value) Div(o Value) Value {
	if o == 0 {
		return Zero
	}
	neg := (v < 0) != (o < 0)
	d := uabs(o)
	hi, lo := bits.Mul64(uabs(v), Scale)
	if hi >= d {
		return saturate(neg)
	}
	q, _ := bits.Div64(hi, lo, d)
	return signed(q, neg)
}

// MulInt scales by an integer factor, saturating on overflow.
func (v Value) MulInt(n int64) Value {
	return v.Mul(FromInt(n))
}

func (v Value) Clamp(lo, hi Value) Value {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Int truncates toward zero.
func (v Value) Int() int64 { return int64(v) / Scale }

// Float64 is for display and logging only; never feed it back into state.
func (v Value) Float64() float64 { return float64(v) / Scale }

func (v Value) String() string {
	neg := v < 0
	u := uabs(v)
	whole := u / Scale
	frac := u % Scale
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(strconv.FormatUint(whole, 10))
	if frac != 0 {
		s := fmt.Sprintf("%04d", frac)
		b.WriteByte('.')
		b.WriteString(strings.TrimRight(s, "0"))
	}
	return b.String()
}

// Parse reads a decimal string such as "12", "-0.25" or "3.1416".
func Parse(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("fixed: empty value")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("fixed: malformed %q", s)
	}
	var w uint64
	if whole != "" {
		n, err := strconv.ParseUint(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fixed: %w", err)
		}
		w = n
	}
	var f uint64
	if hasFrac {
		if len(frac) > 4 {
			return 0, fmt.Errorf("fixed: %q has more than 4 decimal places", s)
		}
		for len(frac) < 4 {
			frac += "0"
		}
		n, err := strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fixed: %w", err)
		}
		f = n
	}
	if w > (math.MaxInt64-f)/Scale {
		return 0, fmt.Errorf("fixed: %q out of range", s)
	}
	return signed(w*Scale+f, neg), nil
}

func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Value) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalJSON accepts both JSON numbers and quoted decimal strings.
func (v *Value) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		return nil
	}
	return v.UnmarshalText([]byte(s))
}

func uabs(v Value) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func signed(u uint64, neg bool) Value {
	if neg {
		if u > 1<<63 {
			return Min
		}
		return Value(-int64(u))
	}
	if u > math.MaxInt64 {
		return Max
	}
	return Value(u)
}

func saturate(neg bool) Value {
	if neg {
		return Min
	}
	return Max
}
