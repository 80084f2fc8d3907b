package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, *Execution) error { return nil }

func TestRegistryRejectsInvalidRegistration(t *testing.T) {
	registry := NewRegistry()
	assert.Error(t, registry.Register("", noopHandler, DefaultPolicy()))
	assert.Error(t, registry.Register("typed", nil, DefaultPolicy()))
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("send", noopHandler, DefaultPolicy()))
	assert.Error(t, registry.Register("send", noopHandler, DefaultPolicy()))
}

func TestRegistryNormalizesPolicy(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("sparse", noopHandler, Policy{MaxAttempts: 5}))

	policy, ok := registry.Policy("sparse")
	require.True(t, ok)
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, DefaultBackoffBase, policy.BackoffBase)
	assert.Equal(t, DefaultBackoffCap, policy.BackoffCap)
	assert.Equal(t, DefaultExecutionTimeout, policy.ExecutionTimeout)
}

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("known", noopHandler, Policy{ExecutionTimeout: time.Minute}))

	handler, policy, ok := registry.Lookup("known")
	require.True(t, ok)
	assert.NotNil(t, handler)
	assert.Equal(t, time.Minute, policy.ExecutionTimeout)

	_, _, ok = registry.Lookup("unknown")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"known"}, registry.Types())
}
