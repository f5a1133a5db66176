// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

// maxSuggestDistance is the largest edit distance a suggestion may have.
const maxSuggestDistance = 3

// closest returns the candidate nearest to name, or "" when none is
// within maxSuggestDistance. Ties go to the earlier candidate.
func closest(name string, candidates []string) string {
	best, bestDistance := "", maxSuggestDistance+1
	for _, candidate := range candidates {
		if distance := levenshtein(name, candidate); distance < bestDistance {
			best, bestDistance = candidate, distance
		}
	}
	return best
}

// levenshtein returns the edit distance between a and b, counting
// bytes.
func levenshtein(a, b string) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	// row[j] is the distance between the prefix of a seen so far and b[:j].
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := range len(a) {
		diagonal := row[0]
		row[0] = i + 1
		for j := 1; j <= len(b); j++ {
			substitute := diagonal
			if a[i] != b[j-1] {
				substitute++
			}
			diagonal = row[j]
			row[j] = min(row[j]+1, row[j-1]+1, substitute)
		}
	}
	return row[len(b)]
}
