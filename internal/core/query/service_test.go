package query

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychain/internal/core/registry"
	"proxychain/internal/shared/apperr"
	"proxychain/proxypool/model"
)

var (
	us = &model.CountryInfo{Name: "United States", Code: "US"}
	jp = &model.CountryInfo{Name: "Japan", Code: "JP"}
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func addRunning(t *testing.T, r *registry.Registry, id string, port int, proto model.Protocol, c *model.CountryInfo) {
	t.Helper()
	require.NoError(t, r.Add(&model.Endpoint{
		ID: id, Protocol: proto, ListenHost: "0.0.0.0", ListenPort: port,
		NodeIDs: []string{"n-" + id}, GroupKey: "n-" + id, Country: c, State: model.StatePending,
	}))
	require.NoError(t, r.UpdateState(id, model.StateRunning, 0, time.Now()))
}

func newService(t *testing.T) (*Service, *registry.Registry, *fakeClock) {
	t.Helper()
	reg := registry.New()
	addRunning(t, reg, "ep-c", 25002, model.ProtocolSOCKS5, us)
	addRunning(t, reg, "ep-a", 25000, model.ProtocolSOCKS5, us)
	addRunning(t, reg, "ep-b", 25001, model.ProtocolSOCKS5, us)
	addRunning(t, reg, "ep-d", 25003, model.ProtocolSOCKS5, jp)
	addRunning(t, reg, "ep-h", 26000, model.ProtocolHTTP, us)

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := New(reg, nil, Options{TTL: 300 * time.Second, Now: clock.Now, Rand: rand.New(rand.NewSource(1))})
	return svc, reg, clock
}

func ids(eps []*model.Endpoint) []string {
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.ID
	}
	return out
}

func TestQuery_CountryAndProtocolScenario(t *testing.T) {
	svc, _, _ := newService(t)

	res, err := svc.Query(Filter{Protocols: []string{"socks5"}, Country: "US", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-a", "ep-b"}, ids(res.Endpoints))
	assert.Equal(t, 2, res.Meta.ReturnedCount)
	assert.False(t, res.Meta.Cached)
	require.NotNil(t, res.Meta.CacheExpiresAt)

	again, err := svc.Query(Filter{Protocols: []string{"socks5"}, Country: "us", Count: 2})
	require.NoError(t, err)
	assert.True(t, again.Meta.Cached, "country is normalized in the cache key")
	assert.Equal(t, ids(res.Endpoints), ids(again.Endpoints))
}

func TestQuery_CacheExpiry(t *testing.T) {
	svc, reg, clock := newService(t)

	first, err := svc.Query(Filter{Country: "united states", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-a"}, ids(first.Endpoints))

	// 注册表发生变化，但缓存仍在有效期内
	addRunning(t, reg, "ep-0", 25004, model.ProtocolSOCKS5, us)
	clock.t = clock.t.Add(299 * time.Second)
	cached, err := svc.Query(Filter{Country: "united states", Count: 1})
	require.NoError(t, err)
	assert.True(t, cached.Meta.Cached)
	assert.Equal(t, []string{"ep-a"}, ids(cached.Endpoints))

	clock.t = clock.t.Add(2 * time.Second)
	fresh, err := svc.Query(Filter{Country: "united states", Count: 1})
	require.NoError(t, err)
	assert.False(t, fresh.Meta.Cached)
	assert.Equal(t, []string{"ep-0"}, ids(fresh.Endpoints))
}

func TestQuery_CachedHitsDropDeadEndpoints(t *testing.T) {
	svc, reg, _ := newService(t)

	_, err := svc.Query(Filter{Protocols: []string{"socks5"}, Country: "US", Count: 2})
	require.NoError(t, err)

	require.NoError(t, reg.UpdateState("ep-a", model.StateDegraded, 1, time.Now()))
	res, err := svc.Query(Filter{Protocols: []string{"socks5"}, Country: "US", Count: 2})
	require.NoError(t, err)
	assert.True(t, res.Meta.Cached)
	assert.Equal(t, []string{"ep-b"}, ids(res.Endpoints))
}

func TestQuery_Random(t *testing.T) {
	svc, _, _ := newService(t)

	for i := 0; i < 20; i++ {
		res, err := svc.Query(Filter{Protocols: []string{"socks5"}, Count: 3, Random: true})
		require.NoError(t, err)
		require.Len(t, res.Endpoints, 3)
		assert.False(t, res.Meta.Cached)
		assert.Nil(t, res.Meta.CacheExpiresAt)

		seen := make(map[string]bool)
		for _, ep := range res.Endpoints {
			assert.Equal(t, model.ProtocolSOCKS5, ep.Protocol)
			assert.False(t, seen[ep.ID], "sample is without replacement")
			seen[ep.ID] = true
		}
	}
	assert.Zero(t, svc.CacheSize(), "random queries are never cached")
}

func TestQuery_CountLargerThanAvailable(t *testing.T) {
	svc, _, _ := newService(t)

	res, err := svc.Query(Filter{Country: "JP", Count: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-d"}, ids(res.Endpoints))
	assert.Equal(t, 10, res.Meta.RequestedCount)
	assert.Equal(t, 1, res.Meta.ReturnedCount)

	res, err = svc.Query(Filter{Country: "DE", Count: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Endpoints)
	assert.NotNil(t, res.Endpoints, "empty result serializes as []")
}

func TestQuery_ExcludesNonRunning(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Add(&model.Endpoint{ID: "p", Protocol: model.ProtocolHTTP, ListenPort: 1, State: model.StatePending}))
	addRunning(t, reg, "r", 2, model.ProtocolHTTP, nil)
	svc := New(reg, nil, Options{})

	res, err := svc.Query(Filter{Count: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, ids(res.Endpoints))
}

func TestQuery_InvalidFilter(t *testing.T) {
	svc, _, _ := newService(t)

	tests := []Filter{
		{Count: 0},
		{Count: 101},
		{Count: 1, Protocols: []string{"socks5,ftp"}},
	}
	for _, f := range tests {
		_, err := svc.Query(f)
		assert.True(t, errors.Is(err, apperr.ErrInvalidFilter), "filter %+v", f)
	}
}

type fakeRefresher struct {
	triggered int
	synced    int
}

func (f *fakeRefresher) Trigger() { f.triggered++ }

func (f *fakeRefresher) RefreshNow(context.Context) error {
	f.synced++
	return nil
}

func TestRefreshPassThrough(t *testing.T) {
	r := &fakeRefresher{}
	svc := New(registry.New(), r, Options{})

	require.NoError(t, svc.Refresh(context.Background(), false))
	require.NoError(t, svc.Refresh(context.Background(), true))
	assert.Equal(t, 1, r.triggered)
	assert.Equal(t, 1, r.synced)

	assert.Error(t, New(registry.New(), nil, Options{}).Refresh(context.Background(), true))
}

func TestParseProtocols(t *testing.T) {
	got, err := ParseProtocols([]string{" SOCKS5 , http", "socks"})
	require.NoError(t, err)
	assert.Equal(t, []model.Protocol{model.ProtocolSOCKS5, model.ProtocolHTTP}, got)
}
