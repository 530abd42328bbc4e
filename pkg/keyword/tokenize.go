package keyword

import (
	"strings"
	"unicode"
)

// Tokenize splits text into search terms: lowercased runs of letters and
// digits. Runs of CJK characters are split into overlapping character
// bigrams (a single-character run stays whole), since those scripts don't
// mark word boundaries with spaces. Non-CJK runs shorter than two
// characters are dropped.
//
// Boundary detection and retrieval share this tokenizer so topic overlap
// and keyword search agree on what a term is.
func Tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var cjk []rune

	flushWord := func() {
		if word.Len() >= 2 {
			tokens = append(tokens, word.String())
		}
		word.Reset()
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			tokens = append(tokens, string(cjk))
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				tokens = append(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(unicode.ToLower(r))
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()

	return tokens
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
