package proxypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychain/proxypool/model"
)

func TestMergeNodes_FirstSourceWins(t *testing.T) {
	a1 := mustNode(t, nodeA)
	a2 := mustNode(t, "ss://aes-256-gcm:pa@1.1.1.1:8388#renamed")
	b := mustNode(t, nodeB)
	require.Equal(t, a1.ID, a2.ID)

	out := mergeNodes([][]*model.Node{{a1}, {a2, b}}, 0)
	require.Len(t, out, 2)
	assert.Equal(t, "US-A", out[0].Name)

	assert.Len(t, mergeNodes([][]*model.Node{{a1}, {a2, b}}, 1), 1)
}

func TestGroupNodes_ByNode(t *testing.T) {
	a, b := mustNode(t, nodeA), mustNode(t, nodeB)
	groups := groupNodes([]*model.Node{b, a}, GroupByNode, 3, nil)
	require.Len(t, groups, 2)
	assert.Equal(t, "node:"+b.ID, groups[0].Key)
	assert.Equal(t, []string{b.ID}, groups[0].nodeIDs())
	assert.Equal(t, "JP-B", groups[0].Name)
}

func TestGroupNodes_ByCountry(t *testing.T) {
	us1 := mustNode(t, "ss://aes-256-gcm:p1@10.0.0.1:1#US-1")
	us2 := mustNode(t, "ss://aes-256-gcm:p2@10.0.0.2:1#US-2")
	us3 := mustNode(t, "ss://aes-256-gcm:p3@10.0.0.3:1#US-3")
	jp := mustNode(t, nodeB)
	anon := mustNode(t, "ss://aes-256-gcm:p4@10.0.0.4:1#relay")

	groups := groupNodes([]*model.Node{us1, jp, us2, anon, us3}, GroupByCountry, 2, nil)
	require.Len(t, groups, 3)

	assert.Equal(t, "country:JP", groups[0].Key)
	assert.Equal(t, "country:US", groups[1].Key)
	assert.Equal(t, "country:ZZ", groups[2].Key)
	assert.Nil(t, groups[2].Country)

	us := groups[1]
	require.Len(t, us.Nodes, 2, "capped at group size")
	assert.True(t, us.Nodes[0].ID < us.Nodes[1].ID, "id ordered")
	assert.Equal(t, len(us.forwards()), 2)

	again := groupNodes([]*model.Node{us3, us2, us1, jp, anon}, GroupByCountry, 2, nil)
	assert.Equal(t, us.nodeIDs(), again[1].nodeIDs())
}

func TestGroupNodes_ByCountryKeepsCurrentMembers(t *testing.T) {
	us1 := mustNode(t, "ss://aes-256-gcm:p1@10.0.0.1:1#US-1")
	us2 := mustNode(t, "ss://aes-256-gcm:p2@10.0.0.2:1#US-2")
	us3 := mustNode(t, "ss://aes-256-gcm:p3@10.0.0.3:1#US-3")
	all := []*model.Node{us1, us2, us3}

	// 现有成员全部存活: 即使有空位也不变
	current := map[string][]string{"country:US": {us2.ID}}
	groups := groupNodes(all, GroupByCountry, 3, current)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{us2.ID}, groups[0].nodeIDs())

	// 顺序沿用现有成员
	current["country:US"] = []string{us3.ID, us1.ID}
	groups = groupNodes(all, GroupByCountry, 3, current)
	assert.Equal(t, []string{us3.ID, us1.ID}, groups[0].nodeIDs())

	// 有成员消失: 保留剩余成员，再补足空位
	current["country:US"] = []string{us3.ID, "gone"}
	groups = groupNodes(all, GroupByCountry, 2, current)
	require.Len(t, groups[0].Nodes, 2)
	assert.Equal(t, us3.ID, groups[0].Nodes[0].ID)
	assert.Contains(t, []string{us1.ID, us2.ID}, groups[0].Nodes[1].ID)

	// 组大小调小后截断
	current["country:US"] = []string{us1.ID, us2.ID, us3.ID}
	groups = groupNodes(all, GroupByCountry, 2, current)
	assert.Equal(t, []string{us1.ID, us2.ID}, groups[0].nodeIDs())
}
