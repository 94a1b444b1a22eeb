package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"finitefield.org/hanko-history/internal/versions"
)

func TestRegistryScopesControllersBySession(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	clock := &fakeClock{current: baseTime}
	created := 0
	reg, err := NewRegistry(func(contentID string) (*Controller, error) {
		created++
		return NewController(contentID, Deps{Service: service})
	}, clock.Now)
	require.NoError(t, err)

	a1, err := reg.Get("sess-a", "abc")
	require.NoError(t, err)
	a2, err := reg.Get("sess-a", "abc")
	require.NoError(t, err)
	require.Same(t, a1, a2)

	b, err := reg.Get("sess-b", "abc")
	require.NoError(t, err)
	require.NotSame(t, a1, b)
	require.Equal(t, 2, created)

	_, err = reg.Get("", "abc")
	require.Error(t, err)

	_, err = reg.Get("sess-a", "")
	require.Error(t, err, "factory errors are returned")
	require.Equal(t, 2, reg.Len())

	require.Equal(t, 1, reg.Drop("sess-b"))
	require.Equal(t, 1, reg.Len())
}

func TestRegistrySweepDropsIdleControllers(t *testing.T) {
	t.Parallel()

	service := versions.NewStaticService(seedVersions())
	clock := &fakeClock{current: baseTime}
	reg, err := NewRegistry(func(contentID string) (*Controller, error) {
		return NewController(contentID, Deps{Service: service})
	}, clock.Now)
	require.NoError(t, err)

	_, err = reg.Get("sess-a", "abc")
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	_, err = reg.Get("sess-b", "abc")
	require.NoError(t, err)
	clock.Advance(15 * time.Minute)

	require.Equal(t, 1, reg.Sweep(30*time.Minute))
	require.Equal(t, 1, reg.Len())
}

func TestNewRegistryRequiresFactory(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(nil, nil)
	require.Error(t, err)
}
