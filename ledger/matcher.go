package ledger

import (
	"strings"
	"unicode"
)

// =============================================================================
// RESERVATION MATCHER - Candidate reservations for an ingredient
// =============================================================================

// NormalizeName lower-cases s and strips '-', '_' and whitespace.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r == '-' || r == '_' || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NamesMatch reports whether an ingredient name and a reservation's material
// name refer to the same material. Empty ingredient names never match.
func NamesMatch(ingredientName, materialName string) bool {
	if strings.TrimSpace(ingredientName) == "" || strings.TrimSpace(materialName) == "" {
		return false
	}

	ing := strings.ToLower(strings.TrimSpace(ingredientName))
	mat := strings.ToLower(strings.TrimSpace(materialName))
	if ing == mat || strings.Contains(mat, ing) || strings.Contains(ing, mat) {
		return true
	}

	normIng, normMat := NormalizeName(ingredientName), NormalizeName(materialName)
	if normIng == "" || normMat == "" {
		return false
	}
	return normIng == normMat ||
		strings.Contains(normMat, normIng) ||
		strings.Contains(normIng, normMat)
}

// MatchCandidates returns the reservations an ingredient can be linked to,
// in input order. A reservation qualifies when it is real (not a snapshot),
// not already linked to the ingredient, has quantity available and its
// material name matches.
func MatchCandidates(ingredientName string, reservations []Reservation, alreadyLinked []ReservationID) []Reservation {
	if strings.TrimSpace(ingredientName) == "" {
		return nil
	}

	skip := make(map[ReservationID]bool, len(alreadyLinked))
	for _, id := range alreadyLinked {
		skip[id] = true
	}

	var candidates []Reservation
	for _, r := range reservations {
		if !r.IsReal() || skip[r.ID] || !r.Available().IsPositive() {
			continue
		}
		if NamesMatch(ingredientName, r.MaterialName) {
			candidates = append(candidates, r)
		}
	}
	return candidates
}
