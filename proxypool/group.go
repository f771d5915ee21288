package proxypool

import (
	"sort"

	"proxychain/proxypool/model"
)

const (
	GroupByNode    = "node"
	GroupByCountry = "country"

	unknownCountry = "ZZ"
)

// nodeGroup 是一个端点背后的节点集合。
type nodeGroup struct {
	Key     string
	Name    string
	Country *model.CountryInfo
	Nodes   []*model.Node
}

func (g *nodeGroup) nodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	return ids
}

func (g *nodeGroup) forwards() []string {
	out := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.ForwardURI()
	}
	return out
}

// mergeNodes 按来源顺序合并并按节点 ID 去重 (先出现者优先)，最多保留 limit 个。
func mergeNodes(bySource [][]*model.Node, limit int) []*model.Node {
	seen := make(map[string]bool)
	var out []*model.Node
	for _, nodes := range bySource {
		for _, n := range nodes {
			if seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			out = append(out, n)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// groupNodes 把节点分组。node 模式下每个节点一组，顺序与输入一致;
// country 模式下每个国家一组，最多 size 个节点。current 是现有端点的
// 组键 -> 成员 ID，现有成员全部仍在时组保持原样; 有成员消失时保留
// 剩余成员的顺序，再按 ID 从新节点中补足空位。
func groupNodes(nodes []*model.Node, mode string, size int, current map[string][]string) []*nodeGroup {
	if mode != GroupByCountry {
		groups := make([]*nodeGroup, 0, len(nodes))
		for _, n := range nodes {
			groups = append(groups, &nodeGroup{
				Key:     "node:" + n.ID,
				Name:    n.Name,
				Country: n.Country,
				Nodes:   []*model.Node{n},
			})
		}
		return groups
	}

	if size <= 0 {
		size = 1
	}
	byCode := make(map[string][]*model.Node)
	countries := make(map[string]*model.CountryInfo)
	for _, n := range nodes {
		code := unknownCountry
		if n.Country != nil && n.Country.Code != "" {
			code = n.Country.Code
			if countries[code] == nil {
				countries[code] = n.Country
			}
		}
		byCode[code] = append(byCode[code], n)
	}

	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	groups := make([]*nodeGroup, 0, len(codes))
	for _, code := range codes {
		key := countryGroupKey(code)
		g := &nodeGroup{
			Key:     key,
			Name:    code,
			Country: countries[code],
			Nodes:   pickMembers(byCode[code], current[key], size),
		}
		if g.Country != nil {
			g.Name = g.Country.Name
		}
		groups = append(groups, g)
	}
	return groups
}

func countryGroupKey(code string) string {
	return "country:" + code
}

// pickMembers 选出组成员。现有成员全部存活时原样保留 (即使还有空位)，
// 避免仅因新增节点而重启引擎。
func pickMembers(candidates []*model.Node, existing []string, size int) []*model.Node {
	byID := make(map[string]*model.Node, len(candidates))
	for _, n := range candidates {
		byID[n.ID] = n
	}

	var kept []*model.Node
	taken := make(map[string]bool)
	for _, id := range existing {
		if n, ok := byID[id]; ok && !taken[id] && len(kept) < size {
			kept = append(kept, n)
			taken[id] = true
		}
	}
	if len(existing) > 0 && len(kept) == len(existing) {
		return kept
	}

	rest := make([]*model.Node, 0, len(candidates))
	for _, n := range candidates {
		if !taken[n.ID] {
			rest = append(rest, n)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })
	for _, n := range rest {
		if len(kept) >= size {
			break
		}
		kept = append(kept, n)
	}
	return kept
}
