// Package amount converts USDC display amounts to and from integer subunits.
package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the fixed subunit scale of the token (10^-6 of the display unit).
const Decimals = 6

var ErrInvalidAmount = errors.New("invalid amount")

// Subunits is an unsigned 256-bit amount of token subunits.
// It serializes to JSON as a decimal string so no consumer parses it as a float.
type Subunits struct {
	v *big.Int
}

// NewSubunits wraps a 64-bit subunit count.
func NewSubunits(n uint64) Subunits {
	return Subunits{v: new(big.Int).SetUint64(n)}
}

// FromBig validates that n fits in an unsigned 256-bit integer.
func FromBig(n *big.Int) (Subunits, error) {
	if n == nil {
		return Subunits{}, fmt.Errorf("%w: nil", ErrInvalidAmount)
	}
	if n.Sign() < 0 {
		return Subunits{}, fmt.Errorf("%w: negative subunits %s", ErrInvalidAmount, n)
	}
	if _, overflow := uint256.FromBig(n); overflow {
		return Subunits{}, fmt.Errorf("%w: %s exceeds 256 bits", ErrInvalidAmount, n)
	}
	return Subunits{v: new(big.Int).Set(n)}, nil
}

// ParseSubunits reads a base-10 subunit string such as "25500000".
func ParseSubunits(s string) (Subunits, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Subunits{}, fmt.Errorf("%w: %q is not a base-10 integer", ErrInvalidAmount, s)
	}
	return FromBig(n)
}

// Big returns a copy of the underlying integer.
func (s Subunits) Big() *big.Int {
	if s.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.v)
}

func (s Subunits) Sign() int {
	if s.v == nil {
		return 0
	}
	return s.v.Sign()
}

func (s Subunits) IsZero() bool { return s.Sign() == 0 }

func (s Subunits) Cmp(other Subunits) int {
	return s.Big().Cmp(other.Big())
}

func (s Subunits) Equal(other Subunits) bool { return s.Cmp(other) == 0 }

func (s Subunits) String() string {
	if s.v == nil {
		return "0"
	}
	return s.v.String()
}

func (s Subunits) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON only accepts the string form; bare JSON numbers lose precision
// in most consumers and are rejected.
func (s *Subunits) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: subunits must be a JSON string", ErrInvalidAmount)
	}
	parsed, err := ParseSubunits(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

var subunitScale = decimal.New(1, Decimals)

// ToSubunits scales a positive decimal amount by 10^6, truncating toward zero.
func ToSubunits(d decimal.Decimal) (Subunits, error) {
	if !d.IsPositive() {
		return Subunits{}, fmt.Errorf("%w: %s must be greater than zero", ErrInvalidAmount, d)
	}
	n := d.Mul(subunitScale).Truncate(0).BigInt()
	if n.Sign() == 0 {
		return Subunits{}, fmt.Errorf("%w: %s is below one subunit", ErrInvalidAmount, d)
	}
	return FromBig(n)
}

// ParseDecimal parses a display amount such as "25.50" into subunits.
func ParseDecimal(s string) (Subunits, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Subunits{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return ToSubunits(d)
}

// FromFloat converts a float display amount. NaN and infinities are rejected.
func FromFloat(f float64) (Subunits, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Subunits{}, fmt.Errorf("%w: non-finite value %v", ErrInvalidAmount, f)
	}
	return ToSubunits(decimal.NewFromFloat(f))
}

// ToDecimal is the exact inverse of ToSubunits for any subunit count.
func ToDecimal(s Subunits) decimal.Decimal {
	return decimal.NewFromBigInt(s.Big(), -Decimals)
}

// Float64 is for display only. Values above 2^53 subunits lose precision here;
// use ToDecimal for anything that is stored or compared.
func Float64(s Subunits) float64 {
	f, _ := ToDecimal(s).Float64()
	return f
}
