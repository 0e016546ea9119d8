package broker

import (
	"fmt"
	"regexp"
	"strings"
)

// TopicMatcher is a compiled topic pattern. In a pattern, '.' separates
// literal segments, '*' matches exactly one segment, and '#' greedily
// matches one or more characters. Matchers are built once at subscribe
// time and are safe for concurrent use.
type TopicMatcher struct {
	pattern string
	literal bool
	re      *regexp.Regexp
}

// CompileTopic compiles a topic pattern into a matcher.
func CompileTopic(pattern string) (*TopicMatcher, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}

	if !strings.ContainsAny(pattern, "*#") {
		return &TopicMatcher{pattern: pattern, literal: true}, nil
	}

	var sb strings.Builder
	sb.WriteString(`^`)
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(`[^.]+`)
		case '#':
			sb.WriteString(`.+`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString(`$`)

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("broker: compile topic pattern %q: %w", pattern, err)
	}
	return &TopicMatcher{pattern: pattern, re: re}, nil
}

// Pattern returns the original pattern string.
func (m *TopicMatcher) Pattern() string {
	return m.pattern
}

// Matches reports whether the published topic matches the pattern.
func (m *TopicMatcher) Matches(topic string) bool {
	if m.literal {
		return topic == m.pattern
	}
	return m.re.MatchString(topic)
}
