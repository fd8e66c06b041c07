package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"123.45", 123.45, true},
		{"1,23,456.78", 123456.78, true},
		{"₹ 45.2", 45.2, true},
		{"18.5%", 18.5, true},
		{"1,234 Cr.", 1234, true},
		{"520 Cr", 520, true},
		{"-12.5", -12.5, true},
		{"  7.0  ", 7, true},
		{"", 0, false},
		{"-", 0, false},
		{"--", 0, false},
		{"NA", 0, false},
		{"n/a", 0, false},
		{"NaN", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseFloat(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestParseInt64(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1234567", 1234567, true},
		{"35,12,345", 3512345, true},
		{"-42", -42, true},
		// Counts written in float form truncate
		{"42.0", 42, true},
		{"12.7", 12, true},
		{"", 0, false},
		{"-", 0, false},
		{"junk", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseInt64(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestCleanNumber(t *testing.T) {
	assert.Equal(t, "123456.78", cleanNumber("1,23,456.78"))
	assert.Equal(t, "45.2", cleanNumber("₹ 45.2"))
	assert.Equal(t, "18.5", cleanNumber("18.5%"))
	assert.Equal(t, "1234", cleanNumber(" 1,234 Cr. "))
}

func TestMapColumns(t *testing.T) {
	cols := mapColumns([]string{" SYMBOL", "Series", "DELIV_QTY ", "deliv_per"})

	assert.Equal(t, 0, cols["SYMBOL"])
	assert.Equal(t, 1, cols["SERIES"])
	assert.Equal(t, 2, cols["DELIV_QTY"])
	assert.Equal(t, 3, cols["DELIV_PER"])
}

func TestGetCol(t *testing.T) {
	cols := mapColumns([]string{"SYMBOL", "CLOSE", "VOLUME"})
	row := []string{"RELIANCE", " 2940.25 "}

	assert.Equal(t, "RELIANCE", getCol(row, cols, "SYMBOL"))
	assert.Equal(t, "2940.25", getCol(row, cols, "CLOSE"))

	// Short rows and unknown columns both read empty
	assert.Equal(t, "", getCol(row, cols, "VOLUME"))
	assert.Equal(t, "", getCol(row, cols, "NOPE"))
}
