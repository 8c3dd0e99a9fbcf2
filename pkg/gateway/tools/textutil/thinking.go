package textutil

import (
	"regexp"
	"strings"
)

type stripRule struct {
	re   *regexp.Regexp
	repl string
}

// thinkingRules run in order. Comments are removed after the tag pairs so a
// comment marker inside a reasoning block cannot swallow real markup.
var thinkingRules = []stripRule{
	{re: regexp.MustCompile(`(?is)<thinking>.*?</thinking>`)},
	{re: regexp.MustCompile(`(?is)<think>.*?</think>`)},
	{re: regexp.MustCompile(`(?is)\[thinking\].*?\[/thinking\]`)},
	{re: regexp.MustCompile(`(?is)\[think\].*?\[/think\]`)},
	{re: regexp.MustCompile(`(?s)<!--.*?-->`)},
	{re: regexp.MustCompile(`\n{3,}`), repl: "\n\n"},
}

// StripThinking removes model reasoning annotations from generated markup.
func StripThinking(s string) string {
	for _, rule := range thinkingRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return strings.TrimSpace(s)
}
