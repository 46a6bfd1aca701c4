package transcript

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Default thresholds for [Vocabulary].
const (
	DefaultPhoneticThreshold = 0.75
	DefaultFuzzyThreshold    = 0.88
)

// minTermLen is the shortest span (letters only) considered for correction.
const minTermLen = 3

var _ Corrector = (*Vocabulary)(nil)

// VocabularyOption configures a [Vocabulary].
type VocabularyOption func(*Vocabulary)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score accepted when a
// span and a term share a Double Metaphone code.
func WithPhoneticThreshold(th float64) VocabularyOption {
	return func(v *Vocabulary) {
		if th > 0 {
			v.phonetic = th
		}
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score accepted when a span
// and a term share no phonetic code.
func WithFuzzyThreshold(th float64) VocabularyOption {
	return func(v *Vocabulary) {
		if th > 0 {
			v.fuzzy = th
		}
	}
}

// term is a vocabulary entry with its comparison keys precomputed.
type term struct {
	display string
	key     string // lower-case letters and digits only
	words   int
	codes   map[string]struct{}
}

// Vocabulary corrects spans of transcribed text towards a fixed list of
// known terms. A span of one or more words is replaced when it sounds like a
// term (Double Metaphone) and spells similarly enough (Jaro-Winkler).
//
// Vocabulary is immutable after construction and safe for concurrent use.
type Vocabulary struct {
	terms    []term
	maxWords int
	phonetic float64
	fuzzy    float64
}

// NewVocabulary prepares terms for matching. Blank terms are ignored.
func NewVocabulary(terms []string, opts ...VocabularyOption) *Vocabulary {
	v := &Vocabulary{phonetic: DefaultPhoneticThreshold, fuzzy: DefaultFuzzyThreshold}
	for _, o := range opts {
		o(v)
	}
	for _, t := range terms {
		words := strings.Fields(t)
		key := normalize(strings.Join(words, ""))
		if len(key) < minTermLen {
			continue
		}
		v.terms = append(v.terms, term{
			display: strings.Join(words, " "),
			key:     key,
			words:   len(words),
			codes:   phoneticCodes(words),
		})
		v.maxWords = max(v.maxWords, len(words))
	}
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// candidate is one replaceable span of tokens.
type candidate struct {
	start, n int
	term     *term
	score    float64
}

// Correct implements [Corrector]. Overlapping candidate spans are resolved
// by score, so "the tower of wispers" keeps "the" when only the last three
// words resemble a term. Punctuation trailing the last replaced token is
// preserved.
func (v *Vocabulary) Correct(text string) string {
	if len(v.terms) == 0 {
		return text
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text
	}

	// A single term is often heard as one extra word ("elder nacks").
	window := v.maxWords + 1

	var cands []candidate
	for i := range tokens {
		for n := 1; n <= window && i+n <= len(tokens); n++ {
			if t, score, ok := v.match(tokens[i : i+n]); ok {
				cands = append(cands, candidate{start: i, n: n, term: t, score: score})
			}
		}
	}
	if len(cands) == 0 {
		return text
	}

	slices.SortStableFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.n, b.n)
	})

	taken := make([]bool, len(tokens))
	chosen := make(map[int]candidate)
	for _, c := range cands {
		if slices.Contains(taken[c.start:c.start+c.n], true) {
			continue
		}
		for k := c.start; k < c.start+c.n; k++ {
			taken[k] = true
		}
		chosen[c.start] = c
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		c, ok := chosen[i]
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		last := tokens[i+c.n-1]
		out = append(out, c.term.display+trailingPunct(last))
		i += c.n
	}
	return strings.Join(out, " ")
}

// match finds the best term for the span of tokens.
func (v *Vocabulary) match(tokens []string) (*term, float64, bool) {
	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		w := normalize(tok)
		if w == "" {
			return nil, 0, false
		}
		words = append(words, w)
	}
	key := strings.Join(words, "")
	if len(key) < minTermLen {
		return nil, 0, false
	}
	codes := phoneticCodes(words)

	var (
		best      *term
		bestScore float64
	)
	for i := range v.terms {
		t := &v.terms[i]
		if len(tokens) > t.words+1 || key[0] != t.key[0] {
			continue
		}
		if ratio := float64(min(len(key), len(t.key))) / float64(max(len(key), len(t.key))); ratio < 0.6 {
			continue
		}
		score := matchr.JaroWinkler(key, t.key, false)
		th := v.fuzzy
		if overlaps(codes, t.codes) {
			th = v.phonetic
		}
		if score >= th && score > bestScore {
			best, bestScore = t, score
		}
	}
	return best, bestScore, best != nil
}

// phoneticCodes returns the Double Metaphone codes of the joined words and of
// each word on its own.
func phoneticCodes(words []string) map[string]struct{} {
	codes := make(map[string]struct{}, 2*len(words)+2)
	add := func(w string) {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	add(strings.ToLower(strings.Join(words, "")))
	if len(words) > 1 {
		for _, w := range words {
			add(strings.ToLower(w))
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// normalize lower-cases s and keeps only letters and digits.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// trailingPunct returns the run of non-alphanumeric characters ending tok.
func trailingPunct(tok string) string {
	end := strings.LastIndexFunc(tok, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
	if end < 0 {
		return ""
	}
	_, size := utf8.DecodeRuneInString(tok[end:])
	return tok[end+size:]
}
