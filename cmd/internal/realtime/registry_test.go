package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	c := NewClient("conn-1", 8)

	require.NoError(t, reg.Register(c))
	require.Equal(t, 1, reg.Len())

	got, err := reg.Get("conn-1")
	require.NoError(t, err)
	require.Same(t, c, got)

	require.ErrorIs(t, reg.Register(c), ErrAlreadyRegistered)

	_, err = reg.Get("conn-2")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryBindIdentity(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	c := NewClient("conn-1", 8)
	require.NoError(t, reg.Register(c))
	require.Equal(t, StateConnecting, c.State())

	require.NoError(t, reg.BindIdentity("conn-1", "u1"))
	require.Equal(t, StateActive, c.State())
	require.Equal(t, "u1", c.UserID())

	// Same identity again is a no-op.
	require.NoError(t, reg.BindIdentity("conn-1", "u1"))

	// A different identity is rejected.
	require.ErrorIs(t, reg.BindIdentity("conn-1", "u2"), ErrIdentityMismatch)
	require.Equal(t, "u1", c.UserID())

	require.ErrorIs(t, reg.BindIdentity("ghost", "u1"), ErrNotRegistered)
}

func TestRegistrySubscribeAndResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	a := NewClient("conn-a", 8)
	b := NewClient("conn-b", 8)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	require.NoError(t, reg.Subscribe("conn-a", "room-1"))
	require.NoError(t, reg.Subscribe("conn-b", "room-1"))
	require.NoError(t, reg.Subscribe("conn-a", "room-2"))

	// Idempotent.
	require.NoError(t, reg.Subscribe("conn-a", "room-1"))

	subs := reg.Subscribers("room-1")
	require.Len(t, subs, 2)
	require.True(t, reg.Subscribed("conn-a", "room-1"))
	require.True(t, reg.Subscribed("conn-a", "room-2"))
	require.False(t, reg.Subscribed("conn-b", "room-2"))

	require.ErrorIs(t, reg.Subscribe("ghost", "room-1"), ErrNotRegistered)
}

func TestRegistryUnsubscribe(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	c := NewClient("conn-1", 8)
	require.NoError(t, reg.Register(c))
	require.NoError(t, reg.Subscribe("conn-1", "room-1"))

	require.NoError(t, reg.Unsubscribe("conn-1", "room-1"))
	require.False(t, reg.Subscribed("conn-1", "room-1"))
	require.Empty(t, reg.Subscribers("room-1"))

	// Leaving a room never joined is a no-op success.
	require.NoError(t, reg.Unsubscribe("conn-1", "room-9"))
}

func TestRegistryDeregisterCleansRoomSets(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	a := NewClient("conn-a", 8)
	b := NewClient("conn-b", 8)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	require.NoError(t, reg.Subscribe("conn-a", "room-1"))
	require.NoError(t, reg.Subscribe("conn-a", "room-2"))
	require.NoError(t, reg.Subscribe("conn-b", "room-1"))

	got, err := reg.Deregister("conn-a")
	require.NoError(t, err)
	require.Same(t, a, got)
	require.Equal(t, 1, reg.Len())

	// No subscriber list resolved afterwards contains the dead connection.
	subs := reg.Subscribers("room-1")
	require.Len(t, subs, 1)
	require.Same(t, b, subs[0])
	require.Empty(t, reg.Subscribers("room-2"))

	_, err = reg.Get("conn-a")
	require.ErrorIs(t, err, ErrNotRegistered)

	// Double deregister reports not registered but harms nothing.
	_, err = reg.Deregister("conn-a")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryConcurrentChurn(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			c := NewClient(id, 4)
			if err := reg.Register(c); err != nil {
				t.Error(err)
				return
			}
			if err := reg.Subscribe(id, "room-shared"); err != nil {
				t.Error(err)
				return
			}
			reg.Subscribers("room-shared")
			if i%2 == 0 {
				if _, err := reg.Deregister(id); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, n/2, reg.Len())
	require.Len(t, reg.Subscribers("room-shared"), n/2)
}
