package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rayyansys/djworker/internal/job"
)

type stubHandler struct{ attrs map[string]any }

func (h *stubHandler) Run(ctx context.Context) error { return nil }

func TestRegister_LookupFindsRegisteredClass(t *testing.T) {
	r := New()
	r.Register("ExampleJob", func(attrs map[string]any) (job.Handler, error) {
		return &stubHandler{attrs: attrs}, nil
	})

	ctor, ok := r.Lookup("ExampleJob")
	require.True(t, ok)

	h, err := ctor(map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 1}, h.(*stubHandler).attrs)
}

func TestLookup_UnregisteredClassMisses(t *testing.T) {
	r := New()
	_, ok := r.Lookup("NeverRegistered")
	assert.False(t, ok)
}

func TestRegister_SecondRegistrationOverwritesFirst(t *testing.T) {
	r := New()
	r.Register("ExampleJob", func(attrs map[string]any) (job.Handler, error) {
		return nil, errors.New("old constructor")
	})
	r.Register("ExampleJob", func(attrs map[string]any) (job.Handler, error) {
		return &stubHandler{attrs: attrs}, nil
	})

	ctor, ok := r.Lookup("ExampleJob")
	require.True(t, ok)

	h, err := ctor(nil)
	require.NoError(t, err)
	assert.IsType(t, &stubHandler{}, h)
}

func TestBuild_UnregisteredClassReturnsError(t *testing.T) {
	r := New()
	_, err := r.Build("NeverRegistered", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "NeverRegistered")
	assert.True(t, errors.Is(err, ErrUnregistered), "worker.leaseOne distinguishes this from a constructor error via errors.Is")
}

func TestBuild_ConstructorErrorIsNotErrUnregistered(t *testing.T) {
	r := New()
	r.Register("ExampleJob", func(attrs map[string]any) (job.Handler, error) {
		return nil, errors.New("invalid attributes")
	})

	_, err := r.Build("ExampleJob", nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnregistered))
}

func TestBuild_RegisteredClassDelegatesToConstructor(t *testing.T) {
	r := New()
	r.Register("ExampleJob", func(attrs map[string]any) (job.Handler, error) {
		return &stubHandler{attrs: attrs}, nil
	})

	h, err := r.Build("ExampleJob", map[string]any{"id": 42})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": 42}, h.(*stubHandler).attrs)
}
