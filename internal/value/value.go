// Package value models the loosely typed cells of a serial entry row as a
// closed union with explicit conversions.
package value

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind enumerates the representations a cell can hold.
type Kind int

const (
	// KindEmpty is an unset cell.
	KindEmpty Kind = iota
	// KindText holds a raw string as delivered by the query layer.
	KindText
	// KindNumber holds a float64.
	KindNumber
	// KindBool holds a boolean flag.
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Epsilon is the tolerance used to treat near-zero discounts and rebates as absent.
const Epsilon = 0.0001

// Value is a single row cell.
type Value struct {
	kind Kind
	text string
	num  float64
	flag bool
}

// Empty returns the unset value.
func Empty() Value { return Value{} }

// Text wraps a raw string. The empty string is normalised to Empty.
func Text(s string) Value {
	if s == "" {
		return Value{}
	}
	return Value{kind: KindText, text: s}
}

// Number wraps a float.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Int wraps an integer.
func Int(i int) Value { return Value{kind: KindNumber, num: float64(i)} }

// Bool wraps a flag.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// Kind reports the stored representation.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether the cell is unset.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// Float converts the cell to a float. Text is parsed as a decimal (comma or
// dot separator); unparsable text, empty cells and false convert to 0.
func (v Value) Float() float64 {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		if v.flag {
			return 1
		}
		return 0
	case KindText:
		f, _ := ParseFloat(v.text)
		return f
	default:
		return 0
	}
}

// Int converts the cell to an integer, truncating toward zero.
func (v Value) Int() int {
	f := v.Float()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(math.Trunc(f))
}

// Truthy reports whether the cell holds a positive marker: true, a non-zero
// number, or one of the usual textual markers.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.flag
	case KindNumber:
		return math.Abs(v.num) > Epsilon
	case KindText:
		switch strings.ToLower(strings.TrimSpace(v.text)) {
		case "1", "true", "yes", "y", "on", "x", "t":
			return true
		}
		return false
	default:
		return false
	}
}

// String renders the cell in its raw wire form.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		if v.flag {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// Equal compares two cells after normalisation: numbers and numeric text are
// compared numerically, everything else by wire form.
func (v Value) Equal(o Value) bool {
	if v.kind == KindEmpty || o.kind == KindEmpty {
		return v.String() == o.String()
	}
	if v.kind == KindBool || o.kind == KindBool {
		return v.Truthy() == o.Truthy()
	}
	a, aok := v.numeric()
	b, bok := o.numeric()
	if aok && bok {
		return math.Abs(a-b) < 1e-9
	}
	return v.String() == o.String()
}

func (v Value) numeric() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindText:
		return ParseFloat(v.text)
	default:
		return 0, false
	}
}

// ParseFloat parses a decimal string accepting either '.' or ',' as separator.
func ParseFloat(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

// FormatDiscount renders a discount fraction with four decimals.
func FormatDiscount(f float64) string {
	return decimal.NewFromFloat(f).StringFixed(4)
}

// FormatMoney renders an amount with two decimals.
func FormatMoney(f float64) string {
	return decimal.NewFromFloat(f).StringFixed(2)
}

// IsNegligible reports whether |f| is within Epsilon.
func IsNegligible(f float64) bool {
	return math.Abs(f) <= Epsilon
}
