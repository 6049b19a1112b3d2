package syncsvc

import (
	"strings"
	"unicode"

	"github.com/tsawler/prose/v3"
)

// stopwords kept deliberately small: the lexical backend applies its own
// analysis, this filter just keeps glue words out of search_content.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "he": true, "her": true, "his": true, "i": true, "in": true,
	"is": true, "it": true, "its": true, "my": true, "of": true, "on": true,
	"or": true, "she": true, "that": true, "the": true, "their": true,
	"they": true, "this": true, "to": true, "was": true, "we": true,
	"were": true, "will": true, "with": true, "you": true, "your": true,
}

// Tokenize produces the search_content token list for a text: NLP
// tokenization with stopword and punctuation filtering. When the tokenizer
// fails it degrades to whitespace splitting rather than losing the record.
func Tokenize(text string) []string {
	var raw []string
	if doc, err := prose.NewDocument(text); err == nil {
		for _, tok := range doc.Tokens() {
			raw = append(raw, tok.Text)
		}
	} else {
		raw = strings.Fields(text)
	}

	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || stopwords[t] {
			continue
		}
		if !hasLetterOrDigit(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
