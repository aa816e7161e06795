// Package pronounce grades how closely a recognized transcript matches the
// phrase the learner was asked to read aloud.
//
// The assessment works word by word in two stages:
//
//  1. Alignment: expected and heard words are aligned with an edit-distance
//     dynamic program so insertions, omissions, and substitutions line up
//     sensibly ("good morning" vs "good uh morning").
//
//  2. Scoring: each aligned pair is compared phonetically (Double Metaphone
//     code overlap) and by string similarity (the best of Jaro-Winkler and
//     normalized Levenshtein). A phonetic match with moderate similarity
//     counts as correct — learners are graded on sound, not spelling.
package pronounce

import (
	"math"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold   = 0.70
	defaultSimilarityThreshold = 0.85
)

// WordResult is the per-word outcome of an assessment.
type WordResult struct {
	// Expected is the word from the target phrase.
	Expected string `json:"expected"`

	// Heard is the aligned word from the transcript, empty when the word
	// was not spoken at all.
	Heard string `json:"heard"`

	// Similarity is the string similarity of the pair in [0, 1].
	Similarity float64 `json:"similarity"`

	// Phonetic is true when the pair shares a Double Metaphone code.
	Phonetic bool `json:"phonetic"`

	// Correct is the pass/fail verdict for this word.
	Correct bool `json:"correct"`
}

// Result is the outcome of assessing one phrase.
type Result struct {
	// Score is the overall pronunciation score in [0, 100].
	Score int `json:"score"`

	// Words holds the per-word verdicts in phrase order.
	Words []WordResult `json:"words"`
}

// Option is a functional option for configuring an [Assessor].
type Option func(*Assessor)

// WithPhoneticThreshold sets the minimum similarity required for a
// phonetically-matched word to count as correct. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(a *Assessor) {
		a.phoneticThreshold = threshold
	}
}

// WithSimilarityThreshold sets the minimum similarity required for a word
// without phonetic overlap to count as correct. Default: 0.85.
func WithSimilarityThreshold(threshold float64) Option {
	return func(a *Assessor) {
		a.similarityThreshold = threshold
	}
}

// Assessor grades transcripts against target phrases. Read-only after
// construction and safe for concurrent use.
type Assessor struct {
	phoneticThreshold   float64
	similarityThreshold float64
}

// New returns an [Assessor] configured with the supplied options.
func New(opts ...Option) *Assessor {
	a := &Assessor{
		phoneticThreshold:   defaultPhoneticThreshold,
		similarityThreshold: defaultSimilarityThreshold,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assess compares the heard transcript against the expected phrase and
// returns the per-word verdicts plus an overall score. Punctuation and case
// are ignored on both sides.
func (a *Assessor) Assess(expected, heard string) Result {
	expWords := tokenize(expected)
	if len(expWords) == 0 {
		return Result{}
	}
	heardWords := tokenize(heard)

	pairs := alignWords(expWords, heardWords)

	result := Result{Words: make([]WordResult, 0, len(expWords))}
	var total float64
	for _, p := range pairs {
		if p.expected == "" {
			// An inserted filler word; not graded against the phrase.
			continue
		}
		wr := a.gradePair(p.expected, p.heard)
		result.Words = append(result.Words, wr)
		if wr.Correct {
			total += 1.0
		} else {
			total += wr.Similarity / 2
		}
	}

	result.Score = int(math.Round(100 * total / float64(len(result.Words))))
	return result
}

// gradePair scores one aligned expected/heard pair.
func (a *Assessor) gradePair(expected, heard string) WordResult {
	wr := WordResult{Expected: expected, Heard: heard}
	if heard == "" {
		return wr
	}

	wr.Similarity = similarity(expected, heard)
	wr.Phonetic = phoneticOverlap(expected, heard)

	if wr.Phonetic {
		wr.Correct = wr.Similarity >= a.phoneticThreshold
	} else {
		wr.Correct = wr.Similarity >= a.similarityThreshold
	}
	return wr
}

// pair is one slot of the word alignment. Either side may be empty for an
// omission or insertion.
type pair struct {
	expected string
	heard    string
}

// alignWords aligns the two word sequences with a standard edit-distance
// dynamic program. Substitution cost is the string dissimilarity of the
// words, so near-misses pair up instead of producing a delete+insert.
func alignWords(expected, heard []string) []pair {
	n, m := len(expected), len(heard)

	cost := make([][]float64, n+1)
	for i := range cost {
		cost[i] = make([]float64, m+1)
	}
	for i := 1; i <= n; i++ {
		cost[i][0] = float64(i)
	}
	for j := 1; j <= m; j++ {
		cost[0][j] = float64(j)
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			sub := cost[i-1][j-1] + (1 - similarity(expected[i-1], heard[j-1]))
			del := cost[i-1][j] + 1
			ins := cost[i][j-1] + 1
			cost[i][j] = math.Min(sub, math.Min(del, ins))
		}
	}

	// Traceback from the bottom-right corner.
	var rev []pair
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && cost[i][j] == cost[i-1][j-1]+(1-similarity(expected[i-1], heard[j-1])):
			rev = append(rev, pair{expected: expected[i-1], heard: heard[j-1]})
			i--
			j--
		case i > 0 && cost[i][j] == cost[i-1][j]+1:
			rev = append(rev, pair{expected: expected[i-1]})
			i--
		default:
			rev = append(rev, pair{heard: heard[j-1]})
			j--
		}
	}

	pairs := make([]pair, 0, len(rev))
	for k := len(rev) - 1; k >= 0; k-- {
		pairs = append(pairs, rev[k])
	}
	return pairs
}

// similarity returns the best of Jaro-Winkler and normalized Levenshtein
// similarity for two words, in [0, 1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	jw := matchr.JaroWinkler(a, b, false)

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	lev := 1 - float64(matchr.Levenshtein(a, b))/float64(maxLen)

	return math.Max(jw, lev)
}

// phoneticOverlap reports whether the two words share a Double Metaphone
// code. Empty codes (very short words) are ignored.
func phoneticOverlap(a, b string) bool {
	pa, sa := matchr.DoubleMetaphone(a)
	pb, sb := matchr.DoubleMetaphone(b)
	for _, x := range []string{pa, sa} {
		if x == "" {
			continue
		}
		if x == pb || (sb != "" && x == sb) {
			return true
		}
	}
	return false
}

// tokenize lowercases the phrase and splits it into words, stripping
// punctuation but keeping in-word apostrophes ("don't").
func tokenize(phrase string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, phrase)
	return strings.Fields(cleaned)
}
