package matcher

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/okamiyuga/veto/internal/config"
)

// Entry is a CompiledRule: a Rule together with its compiled regexes (in
// declared order) and a capture-group-keyed multi-pattern searcher built
// from the rule's blacklist.
type Entry struct {
	Name     string
	Rule     config.Rule
	Matchers []*regexp.Regexp

	// blacklists holds one trie per capture group, built ASCII
	// case-insensitively (keywords are lowercased at build time, probe text
	// is lowercased at match time, rather than pulling in a Unicode
	// casefolding dependency for an ASCII-only protocol).
	blacklists map[string]*ahocorasick.Trie
	// blacklistWords recovers the original keyword text for a matched
	// pattern ID, since a trie match only yields a pattern index. Needed by
	// FindAnalyze's diagnostic report.
	blacklistWords map[string][]string
	// groupOrder preserves the rule's declared blacklist order so iteration
	// in Find and FindAnalyze matches the rule's declaration order.
	groupOrder []string
}

// Compile builds a CompiledRule from a Rule, resolving its file path and
// compiling its filters and blacklists.
func Compile(name string, rule config.Rule) (*Entry, error) {
	resolved, err := filepath.EvalSymlinks(rule.File)
	if err != nil {
		return nil, &config.Error{Kind: config.KindMissingFile, Rule: name, Msg: fmt.Sprintf("resolving file path %q: %v", rule.File, err), Err: err}
	}
	rule.File = resolved

	matchers := make([]*regexp.Regexp, 0, len(rule.Filters))
	for _, filter := range rule.Filters {
		expanded := expandMacros(filter)
		re, err := regexp.Compile(expanded)
		if err != nil {
			return nil, &config.Error{Kind: config.KindInvalidPattern, Rule: name, Msg: fmt.Sprintf("invalid filter %q: %v", filter, err), Err: err}
		}
		matchers = append(matchers, re)
	}

	blacklists := make(map[string]*ahocorasick.Trie, len(rule.Blacklists))
	words := make(map[string][]string, len(rule.Blacklists))
	for group, keywords := range rule.Blacklists {
		lowered := make([]string, len(keywords))
		for i, kw := range keywords {
			lowered[i] = strings.ToLower(kw)
		}
		blacklists[group] = ahocorasick.NewTrieBuilder().AddStrings(lowered).Build()
		words[group] = keywords
	}

	return &Entry{
		Name:           name,
		Rule:           rule,
		Matchers:       matchers,
		blacklists:     blacklists,
		blacklistWords: words,
		groupOrder:     rule.BlacklistKeys,
	}, nil
}
