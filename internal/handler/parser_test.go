package handler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registeredObjectHandler = `--- !ruby/object:Delayed::PerformableMethod
object: !ruby/object:RegisteredJob
  raw_attributes:
    id: 100
    title: "review title"
    description: "review description\nmultiline\n"
    total_articles: 1000
    is_blind: True
`

const unregisteredObjectHandler = `--- !ruby/object:Delayed::PerformableMethod
object: !ruby/object:UnregisteredJob
  raw_attributes:
    id: 1
`

const classMethodHandler = `--- !ruby/object:Delayed::PerformableMethod
object: !ruby/class 'ReportMailer'
method_name: :deliver
args:
- :id: 100
  :title: "weekly digest"
`

const malformedAttributesHandler = `--- !ruby/object:Delayed::PerformableMethod
object: !ruby/object:RegisteredJob
  raw_attributes:
    title: "unterminated
`

const malformedArgsHandler = `--- !ruby/object:Delayed::PerformableMethod
object: !ruby/class 'ReportMailer'
method_name: :deliver
args:
- :title: "unterminated
`

func TestParse_ObjectForm_ExtractsClassName(t *testing.T) {
	p, err := Parse(registeredObjectHandler)
	require.NoError(t, err)

	assert.Equal(t, "RegisteredJob", p.ClassName)
	assert.False(t, p.IsClassMethod)
}

func TestParse_ObjectForm_ExtractsAttributes(t *testing.T) {
	p, err := Parse(registeredObjectHandler)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"id":              100,
		"title":           "review title",
		"description":     "review description\nmultiline\n",
		"total_articles":  1000,
		"is_blind":        true,
	}, p.Attributes)
}

func TestParse_ObjectForm_UnregisteredClassStillParses(t *testing.T) {
	// The parser has no knowledge of the registry; an "unregistered" class
	// name parses identically. Abstract-job handling is the registry's
	// concern (see internal/job), not the parser's (spec §4.2).
	p, err := Parse(unregisteredObjectHandler)
	require.NoError(t, err)
	assert.Equal(t, "UnregisteredJob", p.ClassName)
}

func TestParse_ClassMethodForm(t *testing.T) {
	p, err := Parse(classMethodHandler)
	require.NoError(t, err)

	assert.Equal(t, "ReportMailer", p.ClassName)
	assert.True(t, p.IsClassMethod)
	assert.Equal(t, "deliver", p.MethodName)

	args, ok := p.Attributes["args"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, args, 1)
	assert.Equal(t, 100, args[0][":id"])
	assert.Equal(t, "weekly digest", args[0][":title"])
}

func TestParse_UnrecognizedEnvelope(t *testing.T) {
	_, err := Parse("--- !ruby/object:Delayed::PerformableMethod\nsomething: else\n")
	assert.Error(t, err)

	var pe *ParseError
	assert.False(t, errors.As(err, &pe), "an unrecognized envelope has no class name to preserve")
}

func TestParse_ObjectForm_MalformedAttributesPreservesClassName(t *testing.T) {
	// A known class whose raw_attributes body fails to decode is a
	// different failure mode from an unrecognized envelope (spec §7): the
	// class name must survive on the returned error so the worker can
	// settle the row under its real class name instead of an empty one.
	_, err := Parse(malformedAttributesHandler)
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "RegisteredJob", pe.ClassName)
}

func TestParse_ClassMethodForm_MalformedArgsPreservesClassName(t *testing.T) {
	_, err := Parse(malformedArgsHandler)
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "ReportMailer", pe.ClassName)
}

func TestParse_TooShort(t *testing.T) {
	_, err := Parse("--- !ruby/object:Delayed::PerformableMethod")
	assert.Error(t, err)
}
