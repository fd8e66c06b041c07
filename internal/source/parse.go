package source

import (
	"strconv"
	"strings"
)

// cleanNumber strips the decorations market feeds put on numbers:
// thousands separators, rupee marks, percent signs, unit suffixes.
func cleanNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "₹")
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSuffix(s, "Cr.")
	s = strings.TrimSuffix(s, "Cr")
	return strings.TrimSpace(s)
}

// parseFloat parses a feed cell as a float. Dashes, empty cells, and NA
// markers report absent rather than zero, so a missing number never turns
// into a real one downstream.
func parseFloat(s string) (float64, bool) {
	s = cleanNumber(s)
	switch {
	case s == "" || s == "-" || s == "--":
		return 0, false
	case strings.EqualFold(s, "nan") || strings.EqualFold(s, "na") || strings.EqualFold(s, "n/a"):
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseInt64 parses an integer cell with the same null conventions as
// parseFloat. Feeds sometimes write counts in float form, so a fractional
// parse falls back to truncation.
func parseInt64(s string) (int64, bool) {
	s = cleanNumber(s)
	if s == "" || s == "-" || s == "--" {
		return 0, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}

// mapColumns builds a case-insensitive header index, trimming the stray
// spaces exchange CSVs carry in column names.
func mapColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	return cols
}

// getCol returns the named column from a row, or "" when the column is
// absent or the row is short.
func getCol(row []string, cols map[string]int, name string) string {
	idx, ok := cols[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
