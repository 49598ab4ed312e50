package fixed

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// MaxPriceDecimals bounds the precision accepted from an oracle.
const MaxPriceDecimals = 36

// Price is a USD price per whole unit of an asset expressed as an integer
// scaled by 10^Decimals, the way oracle feeds report it.
type Price struct {
	value    uint256.Int
	decimals uint8
}

// NewPrice wraps a raw scaled value.
func NewPrice(raw *big.Int, decimals uint8) (Price, error) {
	if decimals > MaxPriceDecimals {
		return Price{}, fmt.Errorf("fixed: price decimals %d exceed %d", decimals, MaxPriceDecimals)
	}
	if raw == nil || raw.Sign() < 0 {
		return Price{}, fmt.Errorf("%w: negative price", ErrInvalidDecimal)
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return Price{}, ErrOverflow
	}
	return Price{value: *v, decimals: decimals}, nil
}

// ParsePrice reads a decimal string at the given precision, e.g.
// ParsePrice("60000.00000000", 8).
func ParsePrice(s string, decimals uint8) (Price, error) {
	if decimals > MaxPriceDecimals {
		return Price{}, fmt.Errorf("fixed: price decimals %d exceed %d", decimals, MaxPriceDecimals)
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "-") {
		return Price{}, fmt.Errorf("%w: negative price %q", ErrInvalidDecimal, s)
	}
	v, err := parseScaled(trimmed, decimals)
	if err != nil {
		return Price{}, err
	}
	return Price{value: *v, decimals: decimals}, nil
}

// PriceFromRat converts a rational rate, truncating beyond the requested
// precision.
func PriceFromRat(r *big.Rat, decimals uint8) (Price, error) {
	if r == nil || r.Sign() < 0 {
		return Price{}, fmt.Errorf("%w: negative price", ErrInvalidDecimal)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(pow10(decimals).ToBig()))
	raw := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return NewPrice(raw, decimals)
}

// Decimals reports the precision of the price.
func (p Price) Decimals() uint8 { return p.decimals }

// Raw returns the scaled integer value.
func (p Price) Raw() *big.Int { return p.value.ToBig() }

// IsZero reports whether the price is zero.
func (p Price) IsZero() bool { return p.value.IsZero() }

// String renders the price at its own precision.
func (p Price) String() string {
	return formatScaled(&p.value, p.decimals)
}

// Quantity converts a USD value into an asset quantity, value/price, rounded
// down.
func (p Price) Quantity(value Amount) (Amount, error) {
	if p.value.IsZero() {
		return Amount{}, ErrDivideByZero
	}
	return value.mulDiv(pow10(p.decimals), &p.value)
}

// Value converts an asset quantity into its USD value, qty*price, rounded
// down.
func (p Price) Value(qty Amount) (Amount, error) {
	return qty.mulDiv(&p.value, pow10(p.decimals))
}
