// Copyright 2026 The Signalbus Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Delimiter separates topic segments. It is the one canonical
// hierarchy character: clients that accept ":"-flavored names
// normalize them before the daemon sees them, and the daemon rejects
// ":" outright.
const Delimiter = "."

// MaxTopicLength bounds topic and pattern strings on the wire.
const MaxTopicLength = 256

var (
	// ErrInvalidTopic reports a malformed concrete topic (or sender
	// identity, which shares the topic syntax).
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrInvalidPattern reports a malformed wildcard pattern.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// ValidateTopic checks a concrete topic name: non-empty dot-separated
// segments, no wildcard characters, no ":" (the rejected alternate
// delimiter), no whitespace or control characters, at most
// MaxTopicLength bytes. Sender identities share this syntax.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(topic) > MaxTopicLength {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrInvalidTopic, len(topic), MaxTopicLength)
	}
	for _, segment := range strings.Split(topic, Delimiter) {
		if segment == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidTopic, topic)
		}
		for _, r := range segment {
			switch {
			case r == '*' || r == '?':
				return fmt.Errorf("%w: wildcard %q in concrete topic %q", ErrInvalidTopic, string(r), topic)
			case r == ':':
				return fmt.Errorf("%w: %q uses \":\"; the topic delimiter is %q", ErrInvalidTopic, topic, Delimiter)
			case r <= ' ' || r == 0x7f:
				return fmt.Errorf("%w: control or space character in %q", ErrInvalidTopic, topic)
			}
		}
	}
	return nil
}

// Pattern is a compiled wildcard expression over topic segments:
//
//   - Exact segment: "build" matches only "build"
//   - Single-segment wildcard: "user.*" matches "user.created" but
//     not "user.created.extra"
//   - Character wildcard: "?" inside a segment matches any single
//     character ("job-?" matches "job-1")
//   - Trailing multi-segment wildcard: "build.**" matches
//     "build.done" and "build.x.y" (one or more trailing segments);
//     bare "**" matches every topic
//
// "*" is only valid as a whole segment and never crosses a delimiter;
// "**" is only valid as the final segment. Matching is otherwise
// segment-count-sensitive: a pattern and topic with different segment
// counts never match.
//
// Compile each pattern once and reuse it: subscriptions, rate-limit
// rules, and history queries all hold compiled Patterns, so the
// per-emit hot path never re-parses.
type Pattern struct {
	raw       string
	segments  []string
	multiTail bool
	exact     bool
}

// Compile validates and compiles a pattern. Errors wrap
// ErrInvalidPattern.
func Compile(pattern string) (Pattern, error) {
	if pattern == "" {
		return Pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	if len(pattern) > MaxTopicLength {
		return Pattern{}, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrInvalidPattern, len(pattern), MaxTopicLength)
	}

	segments := strings.Split(pattern, Delimiter)
	compiled := Pattern{raw: pattern, exact: true}

	for i, segment := range segments {
		switch {
		case segment == "":
			return Pattern{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, pattern)

		case segment == "**":
			if i != len(segments)-1 {
				return Pattern{}, fmt.Errorf("%w: %q may only end with \"**\"", ErrInvalidPattern, pattern)
			}
			compiled.multiTail = true
			compiled.exact = false

		case segment == "*":
			compiled.segments = append(compiled.segments, segment)
			compiled.exact = false

		case strings.ContainsRune(segment, '*'):
			return Pattern{}, fmt.Errorf("%w: \"*\" must be a whole segment in %q", ErrInvalidPattern, pattern)

		case strings.ContainsRune(segment, ':'):
			return Pattern{}, fmt.Errorf("%w: %q uses \":\"; the topic delimiter is %q", ErrInvalidPattern, pattern, Delimiter)

		case strings.ContainsRune(segment, '?'):
			// Segment globs use path.Match; reject patterns it
			// considers malformed (unclosed brackets, trailing
			// backslash) at compile time so matching never has to.
			if _, err := path.Match(segment, "probe"); err != nil {
				return Pattern{}, fmt.Errorf("%w: segment %q: %v", ErrInvalidPattern, segment, err)
			}
			compiled.segments = append(compiled.segments, segment)
			compiled.exact = false

		default:
			compiled.segments = append(compiled.segments, segment)
		}
	}

	return compiled, nil
}

// MustCompile is Compile for patterns known valid at authorship time.
// Panics on error.
func MustCompile(pattern string) Pattern {
	compiled, err := Compile(pattern)
	if err != nil {
		panic("signal: " + err.Error())
	}
	return compiled
}

// String returns the pattern's source text.
func (p Pattern) String() string { return p.raw }

// IsZero reports whether p is the uncompiled zero Pattern.
func (p Pattern) IsZero() bool { return p.raw == "" }

// Matches reports whether a concrete topic matches the pattern. Pure
// and allocation-light: one Split of the topic, then a segment walk.
func (p Pattern) Matches(topic string) bool {
	if topic == "" {
		return false
	}
	if p.exact {
		return p.raw == topic
	}

	segments := strings.Split(topic, Delimiter)
	if p.multiTail {
		// The "**" tail consumes one or more segments beyond the
		// literal prefix.
		if len(segments) < len(p.segments)+1 {
			return false
		}
	} else if len(segments) != len(p.segments) {
		return false
	}

	for i, patternSegment := range p.segments {
		if !matchSegment(patternSegment, segments[i]) {
			return false
		}
	}
	return true
}

// matchSegment matches one pattern segment against one topic segment.
// A malformed glob segment denies rather than erroring; Compile
// rejects those up front, so this is a guard, not a code path.
func matchSegment(pattern, segment string) bool {
	switch {
	case pattern == "*":
		return segment != ""
	case strings.ContainsRune(pattern, '?'):
		matched, err := path.Match(pattern, segment)
		return err == nil && matched
	default:
		return pattern == segment
	}
}
