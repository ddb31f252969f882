package optimizer

import (
	"regexp"
	"strings"

	aierrors "github.com/hrygo/promptlab/internal/errors"
)

// Example is a before/after illustration of a pattern fix.
type Example struct {
	Before string `json:"before" yaml:"before"`
	After  string `json:"after" yaml:"after"`
}

// Pattern is a known weakness in prompt text.
// A pattern matches when any substring (case-insensitive) or the regexp matches.
type Pattern struct {
	Name         string
	Substrings   []string
	Regexp       *regexp.Regexp
	Issues       []string
	Improvements []string
	Examples     []Example
}

func (p Pattern) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return aierrors.InvalidArgument("pattern name is required")
	}
	if len(p.Substrings) == 0 && p.Regexp == nil {
		return aierrors.InvalidArgument("pattern %q needs substrings or a regexp", p.Name)
	}
	return nil
}

// Match reports whether text exhibits the pattern and returns the first hit.
func (p Pattern) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, s := range p.Substrings {
		if s == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(s)) {
			return s, true
		}
	}
	if p.Regexp != nil {
		if m := p.Regexp.FindString(text); m != "" {
			return m, true
		}
	}
	return "", false
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:       "vague_instructions",
			Substrings: []string{"something like", "some kind of", "and so on", "etc.", "whatever", "as needed"},
			Regexp:     regexp.MustCompile(`(?i)\b(maybe|somehow|stuff|things)\b`),
			Issues:     []string{"Ambiguous wording leaves the model to guess the expected output."},
			Improvements: []string{
				"State the exact output format and scope.",
				"Replace open-ended lists with the complete set of items.",
			},
			Examples: []Example{{Before: "Summarize the text and so on.", After: "Summarize the text in three bullet points of at most 20 words each."}},
		},
		{
			Name:         "negative_phrasing",
			Regexp:       regexp.MustCompile(`(?i)\b(don't|do not|never|avoid)\b`),
			Issues:       []string{"Negative instructions are followed less reliably than positive ones."},
			Improvements: []string{"Rephrase prohibitions as the desired behavior."},
			Examples:     []Example{{Before: "Don't use jargon.", After: "Use plain language a new customer would understand."}},
		},
		{
			Name:         "missing_context",
			Regexp:       regexp.MustCompile(`(?i)^\s*(answer|respond|reply|write)\b[^.]{0,40}\.?\s*$`),
			Issues:       []string{"The prompt gives no role, audience or background."},
			Improvements: []string{"Describe who the model is acting as, who reads the output and why."},
			Examples:     []Example{{Before: "Answer the question.", After: "You are a support agent for a billing product. Answer the customer's question using the policy below."}},
		},
		{
			Name:         "shouting",
			Regexp:       regexp.MustCompile(`\b[A-Z]{4,}(\s+[A-Z]{4,}){2,}\b|!!+`),
			Issues:       []string{"Capitalized or repeated emphasis does not improve compliance and wastes tokens."},
			Improvements: []string{"Keep emphasis for one critical constraint and state it plainly."},
		},
	}
}
