package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/flough/pkg/api"
)

func TestInMemoryStoreSuite(t *testing.T) {
	runFlowStoreSuite(t, func(t *testing.T) FlowStore {
		return NewInMemoryStore()
	})
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTestRecord("flow-1", "order")))

	got, err := store.FindByID(ctx, "flow-1")
	require.NoError(t, err)
	got.Data["customer"] = "mallory"
	got.Ancestors[1] = map[int]api.Ancestor{0: {Done: true}}

	again, err := store.FindByID(ctx, "flow-1")
	require.NoError(t, err)
	require.Equal(t, "alice", again.Data["customer"])
	require.Empty(t, again.Ancestors)
}
