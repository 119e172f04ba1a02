package ledger

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is the Thai baht, the currency of the legacy deployment.
const DefaultCurrency = "THB"

// FormatAmount rounds d to two decimals and renders it with the currency
// symbol of code. An empty or unknown code renders the bare number.
func FormatAmount(d decimal.Decimal, code string) string {
	rounded := d.Round(2)
	cur := money.GetCurrency(strings.ToUpper(strings.TrimSpace(code)))
	if cur == nil {
		return rounded.StringFixed(2)
	}
	return display(rounded, cur)
}

// display lays d out with the separators and template of cur, the way
// money.Money.Display does, without going through int64 minor units.
func display(d decimal.Decimal, cur *money.Currency) string {
	whole, frac, _ := strings.Cut(d.Abs().StringFixed(2), ".")
	if cur.Thousand != "" {
		for i := len(whole) - 3; i > 0; i -= 3 {
			whole = whole[:i] + cur.Thousand + whole[i:]
		}
	}

	s := strings.Replace(cur.Template, "1", whole+cur.Decimal+frac, 1)
	s = strings.Replace(s, "$", cur.Grapheme, 1)
	if d.IsNegative() {
		s = "-" + s
	}
	return s
}

// Statement renders the human-readable "who owes whom" line.
func (r Result) Statement(code string) string {
	if r.Settled() {
		return "All settled"
	}
	return fmt.Sprintf("%s owes %s %s", r.Debtor, r.Creditor, FormatAmount(r.Magnitude, code))
}
