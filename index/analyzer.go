package index

import (
	"strings"
	"unicode"
)

// Analyze tokenizes text for lexical indexing and querying. Latin-script
// words and numbers become lowercased terms; CJK runs become overlapping
// bigrams (a single isolated CJK rune stands alone). Postgres' built-in
// parsers treat CJK text as one opaque token, so bigramming has to happen
// before the text reaches to_tsvector.
//
// Output tokens contain only letters and digits, which keeps them safe to
// splice into to_tsquery input.
func Analyze(text string) []string {
	var tokens []string
	var word []rune // pending latin/digit word
	var cjk []rune  // pending CJK run

	flushWord := func() {
		if len(word) > 0 {
			tokens = append(tokens, strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	flushCJK := func() {
		if len(cjk) == 1 {
			tokens = append(tokens, string(cjk))
		} else {
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
			if len(cjk) > 0 {
				flushCJK()
			}
			word = append(word, r)
		default:
			flushWord()
			if len(cjk) > 0 {
				flushCJK()
			}
		}
	}
	flushWord()
	if len(cjk) > 0 {
		flushCJK()
	}

	return tokens
}

// isCJK reports whether r is a Han ideograph or kana.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}

// lexeme joins tokens for to_tsvector('simple', ...) input.
func lexeme(tokens []string) string {
	return strings.Join(tokens, " ")
}

// tsQuery joins tokens into an OR query for to_tsquery('simple', ...).
// Empty input yields an empty string; callers must not run the query then.
func tsQuery(tokens []string) string {
	return strings.Join(tokens, " | ")
}
