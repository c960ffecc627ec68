package remote

import "github.com/pmezard/go-difflib/difflib"

// QuickRatio is an upper bound on the edit similarity of a and b: twice the
// number of characters they share (as multisets) over their combined
// length. Two empty strings are identical.
func QuickRatio(a, b string) float64 {
	return difflib.NewMatcher(chars(a), chars(b)).QuickRatio()
}

// chars splits s into one element per rune.
func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
