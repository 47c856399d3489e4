package generate

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const truncationMarker = "...\n[Content truncated due to length]"

// minShrinkRunes is the smallest body worth shrinking; below it the body
// cannot be what exhausts the token budget.
const minShrinkRunes = 200

// Prompt separates the fixed instructions from the variable material so the
// client can shrink the material when the model runs out of output room.
type Prompt struct {
	System string
	Prefix string
	Body   string
	Suffix string

	truncated bool
}

// Text renders the prompt sent to the model.
func (p Prompt) Text() string {
	body := p.Body
	if p.truncated {
		body += truncationMarker
	}
	return p.Prefix + body + p.Suffix
}

// Truncatable reports whether the prompt has a variable section to shrink.
func (p Prompt) Truncatable() bool {
	return utf8.RuneCountInString(strings.TrimSpace(p.Body)) > minShrinkRunes
}

// Truncated reports whether Shrink has cut the body.
func (p Prompt) Truncated() bool { return p.truncated }

// Shrink returns a copy whose body keeps ratio of its current runes, cut back
// to the last whitespace so words stay whole. The rendered text of the copy is
// strictly shorter whenever Truncatable is true.
func (p Prompt) Shrink(ratio float64) Prompt {
	runes := []rune(p.Body)
	keep := int(float64(len(runes)) * ratio)
	if !p.truncated {
		keep -= utf8.RuneCountInString(truncationMarker)
	}
	if keep >= len(runes) {
		keep = len(runes) - 1
	}
	if keep < 0 {
		keep = 0
	}
	cut := keep
	for cut > keep/2 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	if cut <= keep/2 {
		cut = keep
	}
	p.Body = strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
	p.truncated = true
	return p
}
