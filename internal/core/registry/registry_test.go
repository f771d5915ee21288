package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychain/internal/shared/apperr"
	"proxychain/proxypool/model"
)

func endpoint(id string, port int, group string) *model.Endpoint {
	return &model.Endpoint{
		ID:         id,
		Protocol:   model.ProtocolSOCKS5,
		ListenHost: "0.0.0.0",
		ListenPort: port,
		NodeIDs:    []string{group},
		GroupKey:   group,
		State:      model.StatePending,
	}
}

func TestRegistry_AddRejectsHeldPort(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(endpoint("a", 25000, "n1")))

	err := r.Add(endpoint("b", 25000, "n2"))
	assert.True(t, errors.Is(err, apperr.ErrInvariant))

	err = r.Add(endpoint("a", 25001, "n3"))
	assert.True(t, errors.Is(err, apperr.ErrInvariant), "duplicate id")

	// STOPPED 端点已经归还端口
	require.NoError(t, r.UpdateState("a", model.StateStopped, 2, time.Now()))
	assert.NoError(t, r.Add(endpoint("c", 25000, "n4")))
}

func TestRegistry_SnapshotIsImmutable(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(endpoint("b", 25001, "n2")))
	require.NoError(t, r.Add(endpoint("a", 25000, "n1")))

	before := r.Snapshot()
	require.Len(t, before.Endpoints, 2)
	assert.Equal(t, "a", before.Endpoints[0].ID, "snapshot is id-ordered")
	assert.Empty(t, before.Running())

	now := time.Now().UTC()
	require.NoError(t, r.UpdateState("a", model.StateRunning, 0, now))

	after := r.Snapshot()
	assert.Greater(t, after.Version, before.Version)
	assert.Equal(t, model.StatePending, before.Endpoints[0].State, "old snapshot unchanged")
	require.Len(t, after.Running(), 1)
	assert.Equal(t, now, after.Running()[0].LastCheckedAt)

	// 修改调用方的对象不会影响注册表
	ep := endpoint("z", 25009, "n9")
	require.NoError(t, r.Add(ep))
	ep.ListenPort = 1
	got, ok := r.Get("z")
	require.True(t, ok)
	assert.Equal(t, 25009, got.ListenPort)
}

func TestRegistry_StoppedIsTerminal(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(endpoint("a", 25000, "n1")))
	require.NoError(t, r.UpdateState("a", model.StateStopped, 2, time.Now()))

	err := r.UpdateState("a", model.StateRunning, 0, time.Now())
	assert.True(t, errors.Is(err, apperr.ErrInvariant))

	assert.Error(t, r.UpdateState("missing", model.StateRunning, 0, time.Now()))
}

func TestRegistry_FindByGroupAndRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(endpoint("a", 25000, "n1")))
	httpEp := endpoint("h", 26000, "n1")
	httpEp.Protocol = model.ProtocolHTTP
	require.NoError(t, r.Add(httpEp))

	ep, ok := r.FindByGroup("n1", model.ProtocolHTTP)
	require.True(t, ok)
	assert.Equal(t, "h", ep.ID)

	removed, ok := r.Remove("h")
	require.True(t, ok)
	assert.Equal(t, 26000, removed.ListenPort)
	_, ok = r.FindByGroup("n1", model.ProtocolHTTP)
	assert.False(t, ok)

	_, ok = r.Remove("h")
	assert.False(t, ok)
}

func TestRegistry_Nodes(t *testing.T) {
	r := New()
	r.SetNodes([]*model.Node{{ID: "b"}, {ID: "a"}})
	nodes := r.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].ID)

	n, ok := r.Node("b")
	assert.True(t, ok)
	assert.Equal(t, "b", n.ID)
	assert.Equal(t, 2, r.Snapshot().NodeCount())
}

func TestRegistry_ConcurrentReadersAndWriters(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("ep-%02d", i)
			if err := r.Add(endpoint(id, 25000+i, id)); err != nil {
				t.Errorf("Add(%s): %v", id, err)
				return
			}
			_ = r.UpdateState(id, model.StateRunning, 0, time.Now())
		}(i)
		go func() {
			defer wg.Done()
			s := r.Snapshot()
			for j := 1; j < len(s.Endpoints); j++ {
				if s.Endpoints[j-1].ID >= s.Endpoints[j].ID {
					t.Errorf("snapshot not ordered")
				}
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.Snapshot().Running(), 50)
}
