// Package handler implements the Handler Parser: it extracts a class name
// and an attribute mapping from the producer's serialized `handler` blob
// (spec §4.2, §6). The blob comes from a foreign ecosystem (Ruby's Psych
// YAML dumper), so only the envelope is parsed manually — two fixed header
// lines and a literal-prefix scan for the attribute block — and the flat
// key/value section is handed to a plain YAML loader (spec §9): this
// package never depends on a loader's object-construction features.
package handler

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	objectHeaderRe = regexp.MustCompile(`^object: !ruby/object:(.+)$`)
	classHeaderRe  = regexp.MustCompile(`^object: !ruby/class '(.+)'$`)
	methodNameRe   = regexp.MustCompile(`^method_name: :(.+)$`)
)

// ParseError is returned when the envelope's class name was recognized but
// the attribute/args body that followed it could not be decoded. Keeping
// ClassName on the error (rather than discarding it alongside the rest of
// the partial parse) lets callers distinguish "known class, bad body" from
// "unrecognized envelope" (spec §7's parse-error taxonomy) instead of both
// collapsing into the same unnamed-class abstract-job path.
type ParseError struct {
	ClassName string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse handler for %s: %v", e.ClassName, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parsed is the result of parsing a handler blob.
type Parsed struct {
	// ClassName is the producer-side class the job should run as.
	ClassName string

	// IsClassMethod is true for the "class+method" handler shape (spec §4.2
	// form 2); false for the "object" shape (form 1).
	IsClassMethod bool

	// MethodName is only set when IsClassMethod is true.
	MethodName string

	// Attributes is the decoded attribute set. For the object form this is
	// the `raw_attributes:` mapping. For the class+method form it is
	// synthesized as {"method_name": MethodName, "args": <decoded args>}.
	Attributes map[string]any
}

// Parse decodes a handler blob per spec §4.2's extraction algorithm.
func Parse(blob string) (*Parsed, error) {
	lines := strings.Split(blob, "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("handler blob too short to contain an envelope")
	}

	if m := objectHeaderRe.FindStringSubmatch(lines[1]); m != nil {
		return parseObjectForm(m[1], lines[2:])
	}
	if m := classHeaderRe.FindStringSubmatch(lines[1]); m != nil {
		return parseClassForm(m[1], lines[2:])
	}
	return nil, fmt.Errorf("unrecognized handler envelope line: %q", lines[1])
}

func parseObjectForm(className string, rest []string) (*Parsed, error) {
	attrLines := collectIndentedBlock(rest, "  raw_attributes:")

	doc := strings.Join(append([]string{"object:", "  attributes:"}, attrLines...), "\n")

	var payload struct {
		Object struct {
			Attributes map[string]any `yaml:"attributes"`
		} `yaml:"object"`
	}
	if err := yaml.Unmarshal([]byte(doc), &payload); err != nil {
		return nil, &ParseError{ClassName: className, Err: fmt.Errorf("decode raw_attributes: %w", err)}
	}

	return &Parsed{
		ClassName:  className,
		Attributes: payload.Object.Attributes,
	}, nil
}

func parseClassForm(className string, rest []string) (*Parsed, error) {
	methodName := ""
	argsStart := -1
	for i, line := range rest {
		if m := methodNameRe.FindStringSubmatch(line); m != nil {
			methodName = m[1]
			continue
		}
		if line == "args:" {
			argsStart = i + 1
			break
		}
	}

	var args []map[string]any
	if argsStart >= 0 && argsStart <= len(rest) {
		doc := "args:\n" + strings.Join(rest[argsStart:], "\n")
		var payload struct {
			Args []map[string]any `yaml:"args"`
		}
		if err := yaml.Unmarshal([]byte(doc), &payload); err != nil {
			return nil, &ParseError{ClassName: className, Err: fmt.Errorf("decode args: %w", err)}
		}
		args = payload.Args
	}

	return &Parsed{
		ClassName:     className,
		IsClassMethod: true,
		MethodName:    methodName,
		Attributes: map[string]any{
			"method_name": methodName,
			"args":        args,
		},
	}, nil
}

// collectIndentedBlock finds the first line equal to header, then collects
// every subsequent line beginning with four spaces, stopping at the first
// line (after collection has started) that does not. A compliant YAML
// loader reassembles any folded multi-line scalars within the returned
// block on its own, provided the block was not truncated early — which is
// exactly what this scan guarantees (spec §4.2, §9).
func collectIndentedBlock(lines []string, header string) []string {
	var collected []string
	collecting := false
	for _, line := range lines {
		if !collecting {
			if line == header {
				collecting = true
			}
			continue
		}
		if !strings.HasPrefix(line, "    ") {
			break
		}
		collected = append(collected, line)
	}
	return collected
}
