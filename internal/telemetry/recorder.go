// Package telemetry implements the Telemetry Recorder (spec §4.5): an
// optional scope bracketing each job run and emitting key/value attributes.
// The concrete APM backend is an external collaborator (spec §1); this
// package only defines the interface the worker loop depends on, plus a
// structured-logging stand-in used when no real backend is wired up.
package telemetry

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// Recorder is the contract the worker loop brackets each job run with.
type Recorder interface {
	// Recorder returns a scope that should be started before a job runs and
	// ended once it settles. name is "<ClassName>#run" (spec §4.5).
	Recorder(name string) Scope

	// RecordException is called when a job run raised before settlement.
	RecordException(err error)

	// Shutdown flushes any buffered telemetry. Called once, at process exit.
	Shutdown()
}

// Scope brackets one job run.
type Scope interface {
	// Report emits attrs, after key normalization (spec §4.5), into the
	// scope. null values are dropped; unsupported value types are
	// JSON-serialized.
	Report(attrs map[string]any)

	// End closes the scope.
	End()
}

// NoOp is a Recorder that does nothing; used when telemetry is not
// configured (spec §6: both NEW_RELIC_LICENSE_KEY and NEW_RELIC_APP_NAME
// must be set to enable it).
type NoOp struct{}

func (NoOp) Recorder(string) Scope      { return noOpScope{} }
func (NoOp) RecordException(error)      {}
func (NoOp) Shutdown()                  {}

type noOpScope struct{}

func (noOpScope) Report(map[string]any) {}
func (noOpScope) End()                  {}

// LogRecorder is a structured-logging stand-in for a real APM backend: it
// emits the same normalized attribute set a real recorder would receive,
// as zerolog events, under a fixed "DelayedJob" group field matching the
// source's NewRelic grouping (spec §4.5).
type LogRecorder struct {
	log    zerolog.Logger
	prefix string
}

// NewLogRecorder builds a LogRecorder; attributePrefix is prepended to
// every normalized attribute key, mirroring the source's configurable
// prefix.
func NewLogRecorder(log zerolog.Logger, attributePrefix string) *LogRecorder {
	return &LogRecorder{log: log, prefix: attributePrefix}
}

func (r *LogRecorder) Recorder(name string) Scope {
	return &logScope{log: r.log, group: "DelayedJob", name: name, prefix: r.prefix}
}

func (r *LogRecorder) RecordException(err error) {
	r.log.Error().Err(err).Str("group", "DelayedJob").Msg("telemetry: exception recorded")
}

func (r *LogRecorder) Shutdown() {
	r.log.Info().Msg("telemetry: shutdown")
}

type logScope struct {
	log    zerolog.Logger
	group  string
	name   string
	prefix string
}

func (s *logScope) Report(attrs map[string]any) {
	evt := s.log.Info().Str("group", s.group).Str("scope", s.name)
	for k, v := range FormatAttributes(attrs, s.prefix) {
		evt = evt.Interface(k, v)
	}
	evt.Msg("telemetry: attributes reported")
}

func (s *logScope) End() {}

// FormatAttributes prefixes and camelCases every key and converts every
// value, dropping any entry whose value is nil (spec §4.5). Grounded on
// the source reporter's _format_attributes/_to_camel_case/_convert_value.
func FormatAttributes(attrs map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if v == nil {
			continue
		}
		out[prefix+CamelCase(k)] = ConvertValue(v)
	}
	return out
}

// CamelCase converts a snake_case, kebab-case, or space-separated key into
// camelCase: the rune at position 0 is lower-cased, the first rune after
// any of "-", "_", " " is upper-cased, separators are dropped, and every
// other rune is left untouched. The source's equivalent title-cases the whole
// leading run instead, which lower-cases any upper-case rune already past
// position 0 — fine for a fresh snake_case key, but it makes a second pass
// over an already-camelCased key lossy. CamelCase leaves already-correct
// casing alone instead, which is what makes it idempotent
// (CamelCase(CamelCase(s)) == CamelCase(s), spec §8).
func CamelCase(s string) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	upperNext := false
	for i, r := range s {
		if r == '-' || r == '_' || r == ' ' {
			upperNext = true
			continue
		}
		switch {
		case upperNext:
			b.WriteRune(unicode.ToUpper(r))
		case i == 0:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		upperNext = false
	}
	return b.String()
}

// ConvertValue passes through string/int/float/bool values unchanged and
// JSON-serializes anything else, matching the source's _convert_value.
func ConvertValue(v any) any {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
