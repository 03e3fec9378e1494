package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCamelCase_Underscore(t *testing.T) {
	assert.Equal(t, "testKey", CamelCase("test_key"))
}

func TestCamelCase_Hyphen(t *testing.T) {
	assert.Equal(t, "testKey", CamelCase("test-key"))
}

func TestCamelCase_Space(t *testing.T) {
	assert.Equal(t, "testKey", CamelCase("test key"))
}

func TestCamelCase_Idempotent(t *testing.T) {
	inputs := []string{"test_key", "job_latency", "total_articles", "a", "already_camel"}
	for _, in := range inputs {
		once := CamelCase(in)
		twice := CamelCase(once)
		assert.Equal(t, once, twice, "CamelCase(%q) not idempotent", in)
	}
}

func TestConvertValue_PassesThroughSupportedTypes(t *testing.T) {
	assert.Equal(t, "x", ConvertValue("x"))
	assert.Equal(t, 1, ConvertValue(1))
	assert.Equal(t, 1.0, ConvertValue(1.0))
	assert.Equal(t, true, ConvertValue(true))
}

func TestConvertValue_JSONSerializesUnsupportedTypes(t *testing.T) {
	got := ConvertValue(map[string]any{"nested": "value"})
	assert.JSONEq(t, `{"nested":"value"}`, got.(string))
}

func TestFormatAttributes_DropsNilValues(t *testing.T) {
	out := FormatAttributes(map[string]any{
		"job_id":   1,
		"skip_me":  nil,
		"job_name": "RegisteredJob#run",
	}, "")
	assert.Equal(t, 1, out["jobId"])
	assert.Equal(t, "RegisteredJob#run", out["jobName"])
	_, present := out["skipMe"]
	assert.False(t, present)
}

func TestFormatAttributes_AppliesPrefix(t *testing.T) {
	out := FormatAttributes(map[string]any{"job_id": 1}, "custom.")
	assert.Equal(t, 1, out["custom.jobId"])
}

func TestNoOp_DoesNotPanic(t *testing.T) {
	var r Recorder = NoOp{}
	scope := r.Recorder("X#run")
	scope.Report(map[string]any{"a": 1})
	scope.End()
	r.RecordException(assert.AnError)
	r.Shutdown()
}
