package fixed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits carried by every Amount.
const Decimals = 18

var (
	// ErrOverflow is returned when a checked operation would exceed 256 bits.
	ErrOverflow = errors.New("fixed: arithmetic overflow")
	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("fixed: arithmetic underflow")
	// ErrDivideByZero is returned when a division has a zero divisor.
	ErrDivideByZero = errors.New("fixed: division by zero")
	// ErrInvalidDecimal is returned when a decimal string cannot be parsed.
	ErrInvalidDecimal = errors.New("fixed: invalid decimal")
)

var scale = pow10(Decimals)

// Amount is an unsigned fixed-point quantity scaled by 10^18. The zero value is
// a valid zero amount. Amounts are immutable values; every operation returns a
// new Amount.
type Amount struct {
	v uint256.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// FromUnits returns n whole units.
func FromUnits(n uint64) Amount {
	var out Amount
	out.v.Mul(uint256.NewInt(n), scale)
	return out
}

// FromRaw wraps an already scaled integer.
func FromRaw(raw uint64) Amount {
	var out Amount
	out.v.SetUint64(raw)
	return out
}

// FromBig converts a scaled big integer. Negative values and values above 256
// bits are rejected.
func FromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Amount{}, nil
	}
	if b.Sign() < 0 {
		return Amount{}, ErrUnderflow
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, ErrOverflow
	}
	return Amount{v: *v}, nil
}

// FromBytes decodes a big-endian scaled integer.
func FromBytes(b []byte) (Amount, error) {
	if len(b) > 32 {
		return Amount{}, ErrOverflow
	}
	var out Amount
	out.v.SetBytes(b)
	return out, nil
}

// Parse reads a non-negative decimal string such as "0.03" or "100". More than
// 18 fractional digits are rejected rather than rounded.
func Parse(s string) (Amount, error) {
	raw, err := parseScaled(s, Decimals)
	if err != nil {
		return Amount{}, err
	}
	return Amount{v: *raw}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Bytes returns the minimal big-endian encoding of the scaled integer.
func (a Amount) Bytes() []byte { return a.v.Bytes() }

// Big returns the scaled integer as a big.Int.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Sub returns a-b or ErrUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, ErrUnderflow
	}
	return out, nil
}

// MulBps returns a*bps/10000 rounded down.
func (a Amount) MulBps(bps uint64) (Amount, error) {
	return a.mulDiv(uint256.NewInt(bps), uint256.NewInt(10_000))
}

// MulDiv returns a*num/den rounded down. The intermediate product is computed
// at 512 bits so only the final quotient can overflow.
func (a Amount) MulDiv(num, den Amount) (Amount, error) {
	return a.mulDiv(&num.v, &den.v)
}

func (a Amount) mulDiv(num, den *uint256.Int) (Amount, error) {
	if den.IsZero() {
		return Amount{}, ErrDivideByZero
	}
	var out Amount
	if _, overflow := out.v.MulDivOverflow(&a.v, num, den); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// String renders the amount as a decimal with trailing zeros trimmed.
func (a Amount) String() string {
	return formatScaled(&a.v, Decimals)
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func pow10(n uint8) *uint256.Int {
	out := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

func parseScaled(s string, decimals uint8) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDecimal)
	}
	whole, frac, hasDot := strings.Cut(trimmed, ".")
	if hasDot && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidDecimal, s, decimals)
	}
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
		}
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	parsed, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	v, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

func formatScaled(v *uint256.Int, decimals uint8) string {
	digits := v.Dec()
	if decimals == 0 {
		return digits
	}
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
