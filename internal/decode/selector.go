package decode

import "math"

// TokenSelector picks the next token from a logit row and decides whether a
// token ends decoding.
type TokenSelector interface {
	Select(logits []float32, seq *TokenSequence) int
	Terminal(token int) bool
}

// Greedy takes the highest scoring text token or end-of-text.
type Greedy struct {
	Specials Specials
}

func (g Greedy) Select(logits []float32, _ *TokenSequence) int {
	if id := argmax(logits, func(id int) bool { return allowed(g.Specials, id) }); id >= 0 {
		return id
	}
	return g.Specials.EOT
}

func (g Greedy) Terminal(token int) bool { return token == g.Specials.EOT }

// Accurate trades a little speed for fewer degenerate transcripts: it
// penalises recently generated tokens, blocks repeated n-grams and refuses a
// blank first token.
type Accurate struct {
	Specials Specials
	// Penalty divides positive (multiplies negative) logits of tokens seen in
	// the last Window generated tokens.
	Penalty float64
	Window  int
	// NoRepeatNGram bans any token that would repeat an n-gram already generated.
	NoRepeatNGram int
}

func (a Accurate) Select(logits []float32, seq *TokenSequence) int {
	scores := make([]float64, len(logits))
	for i, v := range logits {
		scores[i] = float64(v)
	}
	generated := seq.Generated()

	if a.Penalty > 1 && a.Window > 0 {
		window := generated[max(0, len(generated)-a.Window):]
		seen := make(map[int]bool, len(window))
		for _, id := range window {
			if id < 0 || id >= len(scores) || seen[id] {
				continue
			}
			seen[id] = true
			if scores[id] > 0 {
				scores[id] /= a.Penalty
			} else {
				scores[id] *= a.Penalty
			}
		}
	}

	banned := bannedByNGram(generated, a.NoRepeatNGram)
	if len(generated) == 0 {
		banned[a.Specials.Blank] = true
	}

	best, bestScore := a.Specials.EOT, math.Inf(-1)
	for id, s := range scores {
		if !allowed(a.Specials, id) || banned[id] {
			continue
		}
		if s > bestScore {
			best, bestScore = id, s
		}
	}
	return best
}

func (a Accurate) Terminal(token int) bool { return token == a.Specials.EOT }

// bannedByNGram returns tokens that would complete an n-gram already present in generated.
func bannedByNGram(generated []int, n int) map[int]bool {
	banned := make(map[int]bool)
	if n <= 1 || len(generated) < n {
		return banned
	}
	tail := generated[len(generated)-(n-1):]
	for start := 0; start+n <= len(generated); start++ {
		match := true
		for k := 0; k < n-1; k++ {
			if generated[start+k] != tail[k] {
				match = false
				break
			}
		}
		if match {
			banned[generated[start+n-1]] = true
		}
	}
	return banned
}

func allowed(s Specials, id int) bool {
	return s.IsText(id) || id == s.EOT
}

func argmax(logits []float32, ok func(int) bool) int {
	best, bestScore := -1, float32(math.Inf(-1))
	for id, v := range logits {
		if !ok(id) {
			continue
		}
		if best < 0 || v > bestScore {
			best, bestScore = id, v
		}
	}
	return best
}
