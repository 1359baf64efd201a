package utils

import (
	"fmt"
	"math"
	"strings"
)

// FormatCurrencyIDR formats a float64 value as Rupiah.
// Example: 15000.50 -> "Rp 15.000,50"
func FormatCurrencyIDR(amount float64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}

	cents := int64(math.Round(amount * 100))
	integer := cents / 100
	decimal := cents % 100

	// pemisah ribuan
	digits := fmt.Sprintf("%d", integer)
	var groups []string
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)

	if decimal > 0 {
		return fmt.Sprintf("%sRp %s,%02d", sign, strings.Join(groups, "."), decimal)
	}
	return fmt.Sprintf("%sRp %s", sign, strings.Join(groups, "."))
}
