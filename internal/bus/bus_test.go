package bus

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/intramail/internal/event"
)

func TestEmitToUser_FansOutToEveryConnection(t *testing.T) {
	b := New(4)
	tab1, err := b.Register("alice", "c1")
	require.NoError(t, err)
	tab2, err := b.Register("alice", "c2")
	require.NoError(t, err)
	other, err := b.Register("bob", "c3")
	require.NoError(t, err)

	delivered := b.EmitToUser("alice", event.EmailArchived, event.ArchivePayload{EmailID: "e-1"})
	assert.Equal(t, 2, delivered)

	for _, ch := range []<-chan event.Event{tab1, tab2} {
		ev := <-ch
		assert.Equal(t, event.EmailArchived, ev.Name)
	}
	assert.Len(t, other, 0)
}

func TestEmitToUser_OfflineUserIsDropped(t *testing.T) {
	b := New(4)
	assert.Zero(t, b.EmitToUser("nobody", event.NewEmail, event.NewEmailPayload{EmailID: "e-1"}))
	assert.Empty(t, b.Sessions("nobody"))
}

func TestRegister_IsIdempotent(t *testing.T) {
	b := New(4)
	first, err := b.Register("alice", "c1")
	require.NoError(t, err)
	second, err := b.Register("alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, b.Len())

	_, err = b.Register("bob", "c1")
	assert.ErrorIs(t, err, ErrConnectionOwned)
}

func TestUnregister_ClosesChannelAndIsNoopTwice(t *testing.T) {
	b := New(4)
	ch, err := b.Register("alice", "c1")
	require.NoError(t, err)

	b.Unregister("c1")
	_, ok := <-ch
	assert.False(t, ok)
	assert.Empty(t, b.Sessions("alice"))

	b.Unregister("c1")
	b.Unregister("never-registered")
	assert.Zero(t, b.EmitToUser("alice", event.NewEmail, event.NewEmailPayload{}))
}

func TestPublish_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New(1)
	ch, err := b.Register("alice", "c1")
	require.NoError(t, err)

	assert.Equal(t, 1, b.EmitToUser("alice", event.NewEmail, event.NewEmailPayload{EmailID: "1"}))
	assert.Equal(t, 0, b.EmitToUser("alice", event.NewEmail, event.NewEmailPayload{EmailID: "2"}))

	var payload event.NewEmailPayload
	require.NoError(t, (<-ch).Decode(&payload))
	assert.Equal(t, "1", payload.EmailID)
}

func TestConcurrentRegisterEmitUnregister(t *testing.T) {
	b := New(8)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c-%d", i)
			if _, err := b.Register("alice", connID); err != nil {
				return
			}
			b.EmitToUser("alice", event.NewEmail, event.NewEmailPayload{})
			b.Unregister(connID)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Sessions("alice"))
}

func TestUnregisterUser_ClosesEveryConnection(t *testing.T) {
	b := New(4)
	tab1, err := b.Register("alice", "c1")
	require.NoError(t, err)
	tab2, err := b.Register("alice", "c2")
	require.NoError(t, err)
	other, err := b.Register("bob", "c3")
	require.NoError(t, err)

	removed := b.UnregisterUser("alice")
	assert.ElementsMatch(t, []string{"c1", "c2"}, removed)
	for _, ch := range []<-chan event.Event{tab1, tab2} {
		_, ok := <-ch
		assert.False(t, ok)
	}
	assert.Empty(t, b.Sessions("alice"))
	assert.Equal(t, 1, b.Len())
	assert.Zero(t, b.EmitToUser("alice", event.NewEmail, event.NewEmailPayload{}))
	assert.Equal(t, 1, b.EmitToUser("bob", event.NewEmail, event.NewEmailPayload{}))
	assert.Len(t, other, 1)

	b.Unregister("c1")
	assert.Empty(t, b.UnregisterUser("alice"))
}
