package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is one compiled filter line.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// Compile turns a cleaned filter line into a Pattern. Every '*' matches any
// sequence of characters. Nothing else is escaped, so '.' and any other
// regular expression syntax in the line keep their regexp meaning.
func Compile(line string) (*Pattern, error) {
	expr := "^(?:" + strings.ReplaceAll(line, "*", ".*") + ")$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", line, err)
	}
	return &Pattern{raw: line, re: re}, nil
}

// Match reports whether the pattern matches the whole domain.
func (p *Pattern) Match(domain string) bool {
	return p.re.MatchString(domain)
}

func (p *Pattern) String() string {
	return p.raw
}
