package bot

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatAmountIndianGrouping(t *testing.T) {
	cases := map[string]string{
		"0":           "0.00",
		"950.5":       "950.50",
		"1000":        "1,000.00",
		"99999":       "99,999.00",
		"100000":      "1,00,000.00",
		"1234567.89":  "12,34,567.89",
		"500000":      "5,00,000.00",
		"-1234567.89": "-12,34,567.89",
	}

	for in, want := range cases {
		d, err := decimal.NewFromString(in)
		assert.NoError(t, err)
		assert.Equal(t, want, formatAmount(d), "input %s", in)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, "BAJAJ\\_AUTO", escapeMarkdown("BAJAJ_AUTO"))
	assert.Equal(t, "M&M", escapeMarkdown("M&M"))
	assert.Equal(t, "RELIANCE", escapeMarkdown("RELIANCE"))
}
