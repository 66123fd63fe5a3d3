package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolveUnregistered(t *testing.T) {
	r := NewRegistry()

	snapshot, registered, err := r.Resolve(context.Background(), "catalog.rename", nil)
	require.NoError(t, err)
	assert.False(t, registered)
	assert.Nil(t, snapshot)
}

func TestRegistryResolveRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register("catalog.rename", func(ctx context.Context, operation any) (any, error) {
		return map[string]any{"Name": "Shoe"}, nil
	})

	snapshot, registered, err := r.Resolve(context.Background(), "catalog.rename", nil)
	require.NoError(t, err)
	assert.True(t, registered)
	assert.Equal(t, map[string]any{"Name": "Shoe"}, snapshot)
	assert.True(t, r.Registered("catalog.rename"))
}

func TestRegistryNilSnapshotStillRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register("catalog.create", func(ctx context.Context, operation any) (any, error) {
		return nil, nil
	})

	snapshot, registered, err := r.Resolve(context.Background(), "catalog.create", nil)
	require.NoError(t, err)
	assert.True(t, registered)
	assert.Nil(t, snapshot)
}

func TestRegistryResolverError(t *testing.T) {
	r := NewRegistry()
	r.Register("catalog.rename", func(ctx context.Context, operation any) (any, error) {
		return nil, assert.AnError
	})

	_, registered, err := r.Resolve(context.Background(), "catalog.rename", nil)
	assert.True(t, registered)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.Register("catalog.rename", func(ctx context.Context, operation any) (any, error) {
		return "first", nil
	})
	r.Register("catalog.rename", func(ctx context.Context, operation any) (any, error) {
		return "second", nil
	})

	snapshot, _, err := r.Resolve(context.Background(), "catalog.rename", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", snapshot)
}

func TestRegistryIgnoresNilResolver(t *testing.T) {
	r := NewRegistry()
	r.Register("catalog.rename", nil)
	assert.False(t, r.Registered("catalog.rename"))
}
