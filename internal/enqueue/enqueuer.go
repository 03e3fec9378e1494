// Package enqueue implements the Enqueuer (spec §4.7): an auxiliary helper
// that serializes a class name and argument set into the producer's
// handler blob format and inserts a row other consumers can also process.
// It is the write-side mirror of internal/handler's read-side parser.
package enqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rayyansys/djworker/internal/djdb"
)

// Enqueuer inserts delayed_jobs rows using Gateway.
type Enqueuer struct {
	gateway djdb.Gateway
}

// New builds an Enqueuer bound to gateway.
func New(gateway djdb.Gateway) *Enqueuer {
	return &Enqueuer{gateway: gateway}
}

// Options controls which handler shape Enqueue produces (spec §4.2).
type Options struct {
	// Queue defaults to "default" when empty.
	Queue string

	// UseInstanceForm selects the object form (raw_attributes:); false
	// selects the class+method form (method_name: / args:).
	UseInstanceForm bool

	// MethodName is only meaningful when UseInstanceForm is false; it
	// defaults to "run".
	MethodName string
}

// Enqueue serializes className/args per Options and inserts the row.
func (e *Enqueuer) Enqueue(ctx context.Context, className string, args map[string]any, opts Options) error {
	queue := opts.Queue
	if queue == "" {
		queue = "default"
	}
	methodName := opts.MethodName
	if !opts.UseInstanceForm && methodName == "" {
		methodName = "run"
	}

	blob := GenerateHandler(className, args, opts.UseInstanceForm, methodName)
	now := time.Now().UTC()

	const insertSQL = `INSERT INTO delayed_jobs (handler, queue, run_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`
	if err := e.gateway.Exec(ctx, insertSQL, blob, queue, now, now, now); err != nil {
		return fmt.Errorf("enqueue %s: %w", className, err)
	}
	return e.gateway.Commit(ctx)
}

// GenerateHandler produces a handler blob matching the two shapes in
// spec §6. Keys are emitted in sorted order for a reproducible blob.
func GenerateHandler(className string, args map[string]any, useInstanceForm bool, methodName string) string {
	keys := sortedKeys(args)

	if useInstanceForm {
		return fmt.Sprintf(
			"--- !ruby/object:Delayed::PerformableMethod\nobject: !ruby/object:%s\n  raw_attributes:\n%s\n",
			className, formatAttributeBlock(keys, args),
		)
	}

	return fmt.Sprintf(
		"--- !ruby/object:Delayed::PerformableMethod\nobject: !ruby/class '%s'\nmethod_name: :%s\nargs:\n%s\n",
		className, methodName, formatArgsBlock(keys, args),
	)
}

func sortedKeys(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatAttributeBlock emits the object form's "    key: value" lines.
func formatAttributeBlock(keys []string, args map[string]any) string {
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("    %s: %s", k, formatValue(args[k])))
	}
	return strings.Join(lines, "\n")
}

// formatArgsBlock emits the class+method form's single-list-item mapping:
// the first key is dash-prefixed, every other key is indented to align
// with it (spec §6 args: example).
func formatArgsBlock(keys []string, args map[string]any) string {
	lines := make([]string, 0, len(keys))
	for i, k := range keys {
		entry := fmt.Sprintf(" :%s: %s", k, formatValue(args[k]))
		if i == 0 {
			lines = append(lines, "-"+entry)
		} else {
			lines = append(lines, " "+entry)
		}
	}
	return strings.Join(lines, "\n")
}

// formatValue mirrors the producer's value formatting: nil and the empty
// string both serialize to a blank (parsed back as YAML null); strings are
// double-quoted; maps are JSON-encoded; everything else is emitted as its
// plain scalar form.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if val == "" {
			return ""
		}
		return fmt.Sprintf("%q", val)
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return "{}"
		}
		return string(b)
	case float32:
		return formatFloat(float64(val))
	case float64:
		return formatFloat(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatFloat keeps a decimal point in the output so the YAML loader on
// the read side resolves the value back to a float rather than an int
// (spec §8 round-trip: string/int/bool/float/null/mapping).
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
