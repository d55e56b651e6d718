package mixplan

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/mixing-engine/ledger"
)

// =============================================================================
// QUANTITY STRINGS - "12 kg", "2,5 l", "0.25kg"
// =============================================================================

var (
	quantityPattern = regexp.MustCompile(`^\s*([0-9]+(?:[.,][0-9]+)?)\s*([\p{L}%]*)\s*$`)
	piecesPattern   = regexp.MustCompile(`([0-9]+(?:[.,][0-9]+)?)\s*([\p{L}]*)`)
)

type Quantity struct {
	Value decimal.Decimal
	Unit  string
}

func (q Quantity) String() string {
	return FormatQuantity(q.Value, q.Unit)
}

// ParseQuantity reads an ingredient quantity string. A comma is accepted as
// the decimal separator.
func ParseQuantity(s string) (Quantity, error) {
	m := quantityPattern.FindStringSubmatch(s)
	if m == nil {
		return Quantity{}, ledger.NewValidationError("quantity", "cannot parse %q", s)
	}
	value, err := decimal.NewFromString(strings.Replace(m[1], ",", ".", 1))
	if err != nil {
		return Quantity{}, ledger.NewValidationError("quantity", "cannot parse %q", s)
	}
	return Quantity{Value: value, Unit: m[2]}, nil
}

func FormatQuantity(value decimal.Decimal, unit string) string {
	if unit == "" {
		return value.String()
	}
	return value.String() + " " + unit
}

// ParseHeaderDetails extracts the piece count and unit from a header's
// details, e.g. "Run 3: 120 pcs". The first number followed by a unit wins,
// else the first number.
func ParseHeaderDetails(details string) (Quantity, error) {
	all := piecesPattern.FindAllStringSubmatch(details, -1)
	if len(all) == 0 {
		return Quantity{}, ledger.NewValidationError("details", "no piece count in %q", details)
	}
	m := all[0]
	for _, candidate := range all {
		if candidate[2] != "" {
			m = candidate
			break
		}
	}
	value, err := decimal.NewFromString(strings.Replace(m[1], ",", ".", 1))
	if err != nil {
		return Quantity{}, ledger.NewValidationError("details", "no piece count in %q", details)
	}
	return Quantity{Value: value, Unit: m[2]}, nil
}
