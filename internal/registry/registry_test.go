package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/missionctl/api/schemas"
)

func trueGuard(context.Context, *schemas.TaskContext) (bool, error) { return true, nil }

func noopAction(context.Context, map[string]string, *schemas.TaskContext) (string, error) {
	return "", nil
}

func TestGuardsRegisterAndGet(t *testing.T) {
	g := NewGuards()
	require.NoError(t, g.Register("always", trueGuard))

	fn, err := g.Get("always")
	require.NoError(t, err)
	ok, err := fn(context.Background(), &schemas.TaskContext{})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, g.Has("always"))
	assert.False(t, g.Has("never"))
}

func TestGuardsDuplicateRejected(t *testing.T) {
	g := NewGuards()
	require.NoError(t, g.Register("always", trueGuard))

	err := g.Register("always", trueGuard)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrDuplicate)

	// The first registration stays in force.
	fn, err := g.Get("always")
	require.NoError(t, err)
	assert.NotNil(t, fn)
}

func TestGuardsUnknownName(t *testing.T) {
	g := NewGuards()
	_, err := g.Get("missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestActionsDuplicateRejected(t *testing.T) {
	a := NewActions()
	require.NoError(t, a.Register("persist", noopAction))
	assert.ErrorIs(t, a.Register("persist", noopAction), schemas.ErrDuplicate)
}

func TestNamesSorted(t *testing.T) {
	g := NewGuards()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, g.Register(name, trueGuard))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, g.Names())
}

func TestConcurrentLookups(t *testing.T) {
	g := NewGuards()
	require.NoError(t, g.Register("always", trueGuard))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = g.Get("always")
				_ = g.Has("always")
			}
		}()
	}
	wg.Wait()
}
