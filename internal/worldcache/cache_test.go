package worldcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/vec"
)

type sentMsg struct {
	msgType protocol.MsgType
	payload interface{}
}

type fakeSender struct {
	sent []sentMsg
}

func (f *fakeSender) Send(ctx context.Context, msgType protocol.MsgType, payload interface{}) error {
	f.sent = append(f.sent, sentMsg{msgType, payload})
	return nil
}

func node(id string) protocol.WorldEntityInfo {
	return protocol.WorldEntityInfo{
		ID:       id,
		Kind:     protocol.KindResourceNode,
		Position: vec.Vec3Float{X: 1, Z: 2},
		State:    "normal",
	}
}

func TestSnapshotReplacesRegistry(t *testing.T) {
	c := NewCache(&fakeSender{}, nil, nil)
	c.ApplyDrop(node("old"))

	c.ApplySnapshot([]protocol.WorldEntityInfo{node("tree-1"), node("rock-1")})

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("old")
	assert.False(t, ok)
	_, ok = c.Get("tree-1")
	assert.True(t, ok)
}

func TestEmptySnapshotFallsBackToBootstrap(t *testing.T) {
	bootstrap := []protocol.WorldEntityInfo{node("default-tree"), node("default-rock")}
	c := NewCache(&fakeSender{}, nil, bootstrap)

	c.ApplySnapshot(nil)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("default-tree")
	assert.True(t, ok)
}

func TestEmptySnapshotWithoutBootstrap(t *testing.T) {
	c := NewCache(&fakeSender{}, nil, nil)
	c.ApplyDrop(node("old"))

	c.ApplySnapshot(nil)

	assert.Equal(t, 0, c.Len())
}

func TestDropCreatesEntityWithKind(t *testing.T) {
	c := NewCache(&fakeSender{}, nil, nil)

	c.ApplyDrop(protocol.WorldEntityInfo{
		ID:       "drop-1",
		Kind:     protocol.KindDroppedItem,
		Position: vec.Vec3Float{X: 5},
		Metadata: map[string]string{"item": "wood"},
	})

	entity, ok := c.Get("drop-1")
	require.True(t, ok)
	assert.Equal(t, protocol.KindDroppedItem, entity.Kind)
	assert.Equal(t, "wood", entity.Metadata["item"])
}

func TestStateChangeMutatesInPlace(t *testing.T) {
	c := NewCache(&fakeSender{}, nil, nil)
	c.ApplySnapshot([]protocol.WorldEntityInfo{node("tree-1")})

	c.ApplyState("tree-1", "harvested")

	entity, ok := c.Get("tree-1")
	require.True(t, ok)
	assert.Equal(t, "harvested", entity.State)
	// Идентичность и позиция не меняются
	assert.Equal(t, protocol.KindResourceNode, entity.Kind)
	assert.Equal(t, vec.Vec3Float{X: 1, Z: 2}, entity.Position)

	// Неизвестный ID — no-op
	c.ApplyState("nobody", "harvested")
	assert.Equal(t, 1, c.Len())
}

func TestRemoveIsIdempotent(t *testing.T) {
	c := NewCache(&fakeSender{}, nil, nil)
	c.ApplySnapshot([]protocol.WorldEntityInfo{node("tree-1")})

	c.ApplyRemove("tree-1")
	c.ApplyRemove("tree-1")

	assert.Equal(t, 0, c.Len())
}

func TestByKindFilters(t *testing.T) {
	c := NewCache(&fakeSender{}, nil, nil)
	c.ApplySnapshot([]protocol.WorldEntityInfo{
		node("tree-1"),
		{ID: "drop-1", Kind: protocol.KindDroppedItem},
	})

	nodes := c.ByKind(protocol.KindResourceNode)
	require.Len(t, nodes, 1)
	assert.Equal(t, "tree-1", nodes[0].ID)
}

func TestGatherAndPickupRequests(t *testing.T) {
	sender := &fakeSender{}
	c := NewCache(sender, nil, nil)

	require.NoError(t, c.RequestGather(context.Background(), "tree-1"))
	require.NoError(t, c.RequestPickup(context.Background(), "drop-1"))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, protocol.MsgGatherResource, sender.sent[0].msgType)
	assert.Equal(t, "tree-1", sender.sent[0].payload.(*protocol.GatherResource).ResourceID)
	assert.Equal(t, protocol.MsgPickupItem, sender.sent[1].msgType)
	assert.Equal(t, "drop-1", sender.sent[1].payload.(*protocol.PickupItem).DropID)
}
