package synth

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/seanblong/studyqa/internal/generate"
	"github.com/seanblong/studyqa/pkg/models"
)

const academicContext = `The material below is educational content from lecture slides or textbooks. ` +
	`Formulas, equations, technical vocabulary, and historical or scientific facts are ordinary study material; process them normally.`

var styleInstructions = map[models.NoteStyle]string{
	models.StyleShort: `Write SHORT, easy-to-read notes:
- bullet points only
- only the most important facts, one plain sentence each
- at most 5-7 points per section
- skip minor details`,
	models.StyleModerate: `Write BALANCED, clear notes:
- mix bullet points with short paragraphs
- cover the main ideas and the details that support them
- explain concepts simply and add brief examples where they help
- organize by topic`,
	models.StyleDescriptive: `Write DETAILED, thorough notes:
- full paragraphs with complete explanations
- keep every important fact, formula, definition, and example
- give background and show how concepts relate
- organize into sections with descriptive headings
- break complex ideas into steps a newcomer can follow`,
}

var mergeInstructions = map[models.NoteStyle]string{
	models.StyleShort:       `Combine the section notes into ONE short final note: a single bullet list of the 10-15 most important points, one simple sentence each, with repeated points removed.`,
	models.StyleModerate:    `Combine the section notes into ONE balanced final note: bullet points and short paragraphs organized by main topic, with the key details from every section and repeated points removed.`,
	models.StyleDescriptive: `Combine the section notes into ONE detailed final note. Keep all important information from every section, explain each concept with context, use headings and subheadings, and remove only what is truly redundant.`,
}

func styleInstruction(s models.NoteStyle) string {
	if in, ok := styleInstructions[s]; ok {
		return in
	}
	return styleInstructions[models.StyleModerate]
}

func mergeInstruction(s models.NoteStyle) string {
	if in, ok := mergeInstructions[s]; ok {
		return in
	}
	return mergeInstructions[models.StyleModerate]
}

// summaryPrompt asks for notes on one chunk group. The group text is the
// shrinkable body.
func summaryPrompt(text string, style models.NoteStyle, instructions string) generate.Prompt {
	var prefix strings.Builder
	prefix.WriteString("You are a note-taking assistant for students. Make notes that are easy to understand.\n\n")
	prefix.WriteString(styleInstruction(style))
	if s := strings.TrimSpace(instructions); s != "" {
		prefix.WriteString("\n\nAdditional instructions: ")
		prefix.WriteString(s)
	}
	prefix.WriteString("\n\nCONTENT:\n")
	return generate.Prompt{
		System: academicContext,
		Prefix: prefix.String(),
		Body:   text,
		Suffix: "\n\nNOTES:",
	}
}

// synthesisPrompt asks for one note merging the given section notes.
func synthesisPrompt(sections []string, style models.NoteStyle, instructions string) generate.Prompt {
	var prefix strings.Builder
	prefix.WriteString(mergeInstruction(style))
	prefix.WriteString(" Do not repeat the same point in different words.")
	if s := strings.TrimSpace(instructions); s != "" {
		prefix.WriteString("\n\nExtra instructions from the user: ")
		prefix.WriteString(s)
	}
	if style == models.StyleDescriptive {
		fmt.Fprintf(&prefix, "\n\nThere are %d sections; the final note must cover all of them.", len(sections))
	}
	prefix.WriteString("\n\nSection notes:\n\n")

	parts := make([]string, len(sections))
	for i, s := range sections {
		parts[i] = fmt.Sprintf("Section %d:\n%s", i+1, s)
	}
	return generate.Prompt{
		System: academicContext,
		Prefix: prefix.String(),
		Body:   strings.Join(parts, "\n\n---\n\n"),
		Suffix: "\n\nFinal note:",
	}
}

const answerSystem = `You are an expert tutor. Teach the topic using the source material as your knowledge, the way a textbook would.
- Answer directly and integrate the information into one explanation.
- Never refer to the sources themselves: no "Document X says", "the context mentions", or "according to the source".
- Include the relevant details, formulas, and steps.
- If the material does not cover the question, say so briefly.`

// buildContext renders results under neutral provenance headers, cut to
// budget runes.
func buildContext(results []models.RetrievalResult, budget int) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Source %d | relevance %.3f]\n%s", i+1, r.Score, strings.TrimSpace(r.Chunk.Text))
	}
	return truncateRunes(b.String(), budget)
}

// historyBlock renders the last n turns, each cut to perTurn runes.
func historyBlock(turns []models.Turn, n, perTurn int) string {
	if n <= 0 || len(turns) == 0 {
		return ""
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if perTurn > 0 && utf8.RuneCountInString(content) > perTurn {
			content = truncateRunes(content, perTurn) + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", roleLabel(t.Role), content)
	}
	b.WriteString("\n")
	return b.String()
}

func roleLabel(role string) string {
	switch strings.ToLower(role) {
	case "user", "human":
		return "User"
	case "assistant", "model", "ai":
		return "Assistant"
	}
	if role == "" {
		return "User"
	}
	return role
}

func answerPrompt(question, context, history string) generate.Prompt {
	return generate.Prompt{
		System: answerSystem,
		Prefix: history + "Question: " + question + "\n\nSource material:\n",
		Body:   context,
		Suffix: "\n\nUsing all of the material above, answer the question in a clear, well organized explanation.\n\nAnswer:",
	}
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

const fallbackPrefix = "[Fallback due to safety filter] "

// extractiveSummary keeps the first three sentences longer than 20
// characters. It returns "" when there are none.
func extractiveSummary(text string) string {
	var keep []string
	for _, s := range strings.Split(text, ".") {
		s = strings.Join(strings.Fields(s), " ")
		if utf8.RuneCountInString(s) > 20 {
			keep = append(keep, s)
			if len(keep) == 3 {
				break
			}
		}
	}
	if len(keep) == 0 {
		return ""
	}
	return strings.Join(keep, ". ") + "."
}
