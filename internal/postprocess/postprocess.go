// Package postprocess removes common LLM artifacts from rewritten prompts.
//
// It is applied to free-text stage output whose contract is "return ONLY the
// prompt text" before that text is handed to the next stage.
package postprocess

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// Clean removes LLM artifacts from text in four phases and returns the
// trimmed result:
//  1. Leading thinking / reasoning block removal
//  2. Instruction echo removal ("Here is the improved prompt:")
//  3. Whole-reply code fence unwrapping
//  4. Quote wrapping removal
func Clean(text string) string {
	text = removeThinkingBlocks(text)
	text = removeInstructionEchoes(text)
	text = unwrapFence(text)
	text = removeQuoteWrapping(text)
	return strings.TrimSpace(text)
}

// --- Phase 1: thinking blocks ---

// leadingThinkingRe matches one complete <thinking>…</thinking> style block
// at the very start of the reply. Blocks later in the text are prompt content
// (a rewritten prompt may well tell its reader to think inside tags).
// Each tag variant is listed explicitly because Go's RE2 engine does not
// support backreferences.
// Flags: i = case-insensitive, s = dot matches newline.
var leadingThinkingRe = regexp.MustCompile(
	`(?is)^\s*(?:<thinking>.*?</thinking>|<think>.*?</think>|<reasoning>.*?</reasoning>|<reflection>.*?</reflection>)`,
)

func removeThinkingBlocks(text string) string {
	for {
		loc := leadingThinkingRe.FindStringIndex(text)
		if loc == nil {
			return strings.TrimSpace(text)
		}
		text = text[loc[1]:]
	}
}

// --- Phase 2: instruction echoes ---

const (
	promptAdjective  = `(?:final |improved |refined |polished |rewritten |revised |stabilized |expanded |optimized )`
	promptAdjectives = promptAdjective + `*`
)

// echoPatterns match introductory phrases that LLMs sometimes prepend even
// when instructed not to. Each pattern is anchored to the start of the string
// and requires a colon to reduce false positives on legitimate content.
var echoPatterns = []*regexp.Regexp{
	// "Here is / Here's [the] [final] [improved] prompt:"
	regexp.MustCompile(`(?i)^here(?:'s| is)(?: the| your)? ` + promptAdjectives + `(?:prompt|version|text)\s*:`),
	// "[The] final prompt:"; a bare "Prompt:" is left alone
	regexp.MustCompile(`(?i)^(?:the )?` + promptAdjective + `+prompt(?: text)?\s*:`),
	// "Certainly / Sure / Of course[,] here is [the] prompt:"
	regexp.MustCompile(`(?i)^(?:certainly|sure|of course)[,.!]? here(?:'s| is)(?: the| your)? ` + promptAdjectives + `(?:prompt|version|text)\s*:`),
}

func removeInstructionEchoes(text string) string {
	for _, re := range echoPatterns {
		if loc := re.FindStringIndex(text); loc != nil && loc[0] == 0 {
			text = strings.TrimSpace(text[loc[1]:])
		}
	}
	return text
}

// --- Phase 3: code fence ---

// unwrapFence returns the body of a fenced code block when the block is the
// entire reply. Anything else is returned unchanged.
func unwrapFence(text string) string {
	if !strings.HasPrefix(text, "```") && !strings.HasPrefix(text, "~~~") {
		return text
	}
	src := []byte(text)
	doc := goldmark.DefaultParser().Parse(gmtext.NewReader(src))
	if doc.ChildCount() != 1 {
		return text
	}
	block, ok := doc.FirstChild().(*ast.FencedCodeBlock)
	if !ok {
		return text
	}
	var sb strings.Builder
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return strings.TrimSpace(sb.String())
}

// --- Phase 4: quote wrapping ---

var quotePairs = map[rune]rune{
	'"':  '"',
	'\'': '\'',
	'«':  '»',
	'“':  '”',
	'‘':  '’',
}

// removeQuoteWrapping strips a matching pair of outer quotes when the entire
// text is wrapped in them and the inner text holds no further quote of the
// same kind (`"a" or "b"` is two quotations, not one wrapped reply).
// Supported pairs:
//
//	"…"  '…'  «…»  "…"  '…'
func removeQuoteWrapping(text string) string {
	runes := []rune(text)
	n := len(runes)
	if n < 2 {
		return text
	}
	first, last := runes[0], runes[n-1]
	if closing, ok := quotePairs[first]; !ok || closing != last {
		return text
	}
	inner := string(runes[1 : n-1])
	if strings.ContainsRune(inner, first) || strings.ContainsRune(inner, last) {
		return text
	}
	return strings.TrimSpace(inner)
}
