package rewrite

import (
	"regexp"
	"sort"
	"strings"

	"github.com/sagernet/devgate/option"
	E "github.com/sagernet/sing/common/exceptions"
)

// MountPlaceholder is substituted with the mount prefix of the target in
// rule replacements.
const MountPlaceholder = "{mount}"

// characters after which an absolute path is treated as a reference
const pathDelimiters = "\\s\"'`=(,:+}"

type ruleKind uint8

const (
	ruleLiteral ruleKind = iota
	ruleRegexp
	rulePath
)

type rule struct {
	kind        ruleKind
	group       int
	replacement []byte
	pattern     *regexp.Regexp
	numSubexp   int
}

// RuleSet substitutes every configured pattern in one left-to-right scan.
// Replacement output is never scanned again, so each occurrence in the input
// is replaced at most once, whatever the rule order.
type RuleSet struct {
	pattern *regexp.Regexp
	rules   []rule
}

func NewRuleSet(mountPrefix string, paths []string, rules []option.RewriteRuleOptions) (*RuleSet, error) {
	var (
		alternatives []string
		compiled     []rule
		group        = 1
	)
	for index, ruleOptions := range rules {
		if ruleOptions.Match == "" {
			return nil, E.New("rewrite rule[", index, "]: missing match")
		}
		if !ruleOptions.Regexp {
			alternatives = append(alternatives, "("+regexp.QuoteMeta(ruleOptions.Match)+")")
			compiled = append(compiled, rule{
				kind:        ruleLiteral,
				group:       group,
				replacement: []byte(strings.ReplaceAll(ruleOptions.Replace, MountPlaceholder, mountPrefix)),
			})
			group++
			continue
		}
		pattern, err := regexp.Compile(ruleOptions.Match)
		if err != nil {
			return nil, E.Cause(err, "rewrite rule[", index, "]")
		}
		if pattern.MatchString("") {
			return nil, E.New("rewrite rule[", index, "]: pattern matches empty input")
		}
		alternatives = append(alternatives, "("+ruleOptions.Match+")")
		compiled = append(compiled, rule{
			kind:        ruleRegexp,
			group:       group,
			replacement: []byte(strings.ReplaceAll(ruleOptions.Replace, MountPlaceholder, strings.ReplaceAll(mountPrefix, "$", "$$"))),
			pattern:     pattern,
			numSubexp:   pattern.NumSubexp(),
		})
		group += 1 + pattern.NumSubexp()
	}
	sortedPaths := make([]string, 0, len(paths))
	for _, path := range paths {
		if !strings.HasPrefix(path, "/") || len(path) < 2 {
			return nil, E.New("rewrite path must be absolute: ", path)
		}
		sortedPaths = append(sortedPaths, path)
	}
	sort.SliceStable(sortedPaths, func(i, j int) bool {
		return len(sortedPaths[i]) > len(sortedPaths[j])
	})
	for _, path := range sortedPaths {
		alternatives = append(alternatives, "((^|["+pathDelimiters+"])("+regexp.QuoteMeta(path)+"))")
		compiled = append(compiled, rule{
			kind:        rulePath,
			group:       group,
			replacement: []byte(mountPrefix + path),
		})
		group += 3
	}
	if len(alternatives) == 0 {
		return &RuleSet{}, nil
	}
	pattern, err := regexp.Compile(strings.Join(alternatives, "|"))
	if err != nil {
		return nil, E.Cause(err, "compile rewrite rules")
	}
	return &RuleSet{
		pattern: pattern,
		rules:   compiled,
	}, nil
}

func (s *RuleSet) IsEmpty() bool {
	return s.pattern == nil
}

// Apply returns content with every match replaced and the number of
// replacements. content is returned unchanged when nothing matches.
func (s *RuleSet) Apply(content []byte) ([]byte, int) {
	if s.pattern == nil {
		return content, 0
	}
	matches := s.pattern.FindAllSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content, 0
	}
	output := make([]byte, 0, len(content)+len(content)/8)
	var last int
	for _, match := range matches {
		output = append(output, content[last:match[0]]...)
		output = s.expand(output, content, match)
		last = match[1]
	}
	output = append(output, content[last:]...)
	return output, len(matches)
}

func (s *RuleSet) expand(output []byte, content []byte, match []int) []byte {
	for _, rule := range s.rules {
		start := match[2*rule.group]
		if start < 0 {
			continue
		}
		switch rule.kind {
		case ruleLiteral:
			return append(output, rule.replacement...)
		case ruleRegexp:
			return rule.pattern.Expand(output, rule.replacement, content, match[2*rule.group:2*(rule.group+1+rule.numSubexp)])
		case rulePath:
			delimiter := 2 * (rule.group + 1)
			output = append(output, content[match[delimiter]:match[delimiter+1]]...)
			return append(output, rule.replacement...)
		}
	}
	return append(output, content[match[0]:match[1]]...)
}
