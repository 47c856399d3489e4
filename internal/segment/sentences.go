package segment

import (
	"strings"
	"unicode"
)

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true, "jr": true,
	"st": true, "vs": true, "etc": true, "e.g": true, "i.e": true, "fig": true, "no": true,
	"vol": true, "pp": true, "approx": true, "dept": true, "inc": true, "ltd": true,
}

// SplitSentences breaks text at terminal punctuation followed by whitespace,
// and at blank lines. Known abbreviations and decimal points do not end a
// sentence. Returned sentences are trimmed and never empty.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0

	emit := func(end int) {
		s := strings.TrimSpace(string(runes[start:end]))
		if s != "" {
			out = append(out, collapseSpace(s))
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\n' && i+1 < len(runes) && isBlankLineAhead(runes, i+1):
			emit(i)
		case r == '.' || r == '!' || r == '?':
			j := i + 1
			// swallow runs like "?!" and closing quotes or brackets
			for j < len(runes) && strings.ContainsRune(".!?\"')]”’", runes[j]) {
				j++
			}
			if j < len(runes) && !unicode.IsSpace(runes[j]) {
				i = j - 1
				continue
			}
			if r == '.' && isAbbreviation(runes[start:i]) {
				i = j - 1
				continue
			}
			emit(j)
			i = j - 1
		}
	}
	emit(len(runes))
	return out
}

func isBlankLineAhead(runes []rune, i int) bool {
	for ; i < len(runes); i++ {
		switch runes[i] {
		case '\n':
			return true
		case ' ', '\t', '\r':
			continue
		default:
			return false
		}
	}
	return false
}

// isAbbreviation looks at the word immediately before a period.
func isAbbreviation(prefix []rune) bool {
	end := len(prefix)
	begin := end
	for begin > 0 && !unicode.IsSpace(prefix[begin-1]) {
		begin--
	}
	word := strings.ToLower(strings.TrimLeft(string(prefix[begin:end]), "(\"'"))
	if word == "" {
		return false
	}
	if abbreviations[word] {
		return true
	}
	// single initials such as "J." in "J. R. R. Tolkien"
	w := []rune(word)
	return len(w) == 1 && unicode.IsLetter(w[0])
}

func collapseSpace(s string) string {
	return strings.Join(fields(s), " ")
}

func fields(s string) []string {
	return strings.FieldsFunc(s, unicode.IsSpace)
}
