package synonym

// Similarity scores two normalized labels with the Sørensen-Dice coefficient
// over character bigrams of each word. 1 means identical, 0 means no shared bigram.
func Similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ba := bigrams(a)
	bb := bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ba))
	for _, g := range ba {
		counts[g]++
	}
	shared := 0
	for _, g := range bb {
		if counts[g] > 0 {
			counts[g]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ba)+len(bb))
}

// bigrams splits s into the character pairs of each space-separated word,
// padding word edges so "sales" and "sale" still differ at the tail.
func bigrams(s string) []string {
	var out []string
	word := make([]rune, 0, 16)
	flush := func() {
		if len(word) == 0 {
			return
		}
		padded := append([]rune{' '}, word...)
		padded = append(padded, ' ')
		for i := 0; i+1 < len(padded); i++ {
			out = append(out, string(padded[i:i+2]))
		}
		word = word[:0]
	}
	for _, r := range s {
		if r == ' ' {
			flush()
			continue
		}
		word = append(word, r)
	}
	flush()
	return out
}
