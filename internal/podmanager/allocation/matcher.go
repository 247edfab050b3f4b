package allocation

import (
	"fmt"
	"sort"

	"podm/internal/common"

	"go.uber.org/zap"
)

// 需求类别，用于资源不足报告
const (
	CategoryProcessor         = "processor"
	CategoryMemory            = "memory"
	CategoryLocalDrive        = "local_drive"
	CategoryRemoteDrive       = "remote_drive"
	CategoryEthernetInterface = "ethernet_interface"
)

// CategoryForKind 资源类型对应的需求类别
func CategoryForKind(kind common.ResourceKind) string {
	switch kind {
	case common.KindProcessor:
		return CategoryProcessor
	case common.KindMemory:
		return CategoryMemory
	case common.KindLocalDrive:
		return CategoryLocalDrive
	case common.KindRemoteDrive:
		return CategoryRemoteDrive
	case common.KindEthernetInterface:
		return CategoryEthernetInterface
	}
	return string(kind)
}

// Candidate 匹配结果：按类别给出建议占用的资源 ID
//
// 候选集基于快照计算，预留之前可能已被其他请求占用。
type Candidate struct {
	Processors         []string `json:"processors,omitempty"`
	Memory             []string `json:"memory,omitempty"`
	LocalDrives        []string `json:"local_drives,omitempty"`
	RemoteDrives       []string `json:"remote_drives,omitempty"`
	EthernetInterfaces []string `json:"ethernet_interfaces,omitempty"`
}

// ResourceIDs 返回所有候选资源 ID，按升序排列
func (c *Candidate) ResourceIDs() []string {
	ids := make([]string, 0, c.Len())
	ids = append(ids, c.Processors...)
	ids = append(ids, c.Memory...)
	ids = append(ids, c.LocalDrives...)
	ids = append(ids, c.RemoteDrives...)
	ids = append(ids, c.EthernetInterfaces...)
	sort.Strings(ids)
	return ids
}

// Len 候选资源数量
func (c *Candidate) Len() int {
	return len(c.Processors) + len(c.Memory) + len(c.LocalDrives) +
		len(c.RemoteDrives) + len(c.EthernetInterfaces)
}

// requirement 单条需求：数量加匹配条件
type requirement struct {
	count   int
	matches func(common.Resource) bool
}

// Matcher 分配匹配器
//
// Match 是纯函数：不修改快照，也不访问资源索引，可以安全重试。
type Matcher struct {
	logger *zap.Logger
}

// NewMatcher 创建匹配器
func NewMatcher() *Matcher {
	return &Matcher{
		logger: common.ComponentLogger("allocation-matcher"),
	}
}

// Match 根据请求在快照中选择候选资源
//
// 每个类别独立计算：过滤出满足条件的 FREE 资源，按 ID 升序贪心选取。
// 任一类别无法满足时返回 InsufficientResourcesError，列出所有不足的类别。
func (m *Matcher) Match(req common.RequestedNode, snapshot []common.Resource) (*Candidate, error) {
	if err := common.ValidateRequestedNode(req); err != nil {
		return nil, err
	}

	byKind := make(map[common.ResourceKind][]common.Resource)
	for _, res := range snapshot {
		byKind[res.Kind] = append(byKind[res.Kind], res)
	}
	for kind := range byKind {
		resources := byKind[kind]
		sort.Slice(resources, func(i, j int) bool { return resources[i].ID < resources[j].ID })
	}

	candidate := &Candidate{}
	var shortfalls []common.Shortfall

	for _, kind := range common.AllResourceKinds {
		reqs := requirementsFor(req, kind)
		if len(reqs) == 0 {
			continue
		}
		selected, shortfall := m.matchCategory(kind, reqs, byKind[kind])
		if shortfall != nil {
			shortfalls = append(shortfalls, *shortfall)
			continue
		}
		switch kind {
		case common.KindProcessor:
			candidate.Processors = selected
		case common.KindMemory:
			candidate.Memory = selected
		case common.KindLocalDrive:
			candidate.LocalDrives = selected
		case common.KindRemoteDrive:
			candidate.RemoteDrives = selected
		case common.KindEthernetInterface:
			candidate.EthernetInterfaces = selected
		}
	}

	if len(shortfalls) > 0 {
		err := &common.InsufficientResourcesError{Shortfalls: shortfalls}
		m.logger.Info("Request cannot be satisfied", zap.String("name", req.Name), zap.Error(err))
		return nil, err
	}

	m.logger.Debug("Candidate set selected",
		zap.String("name", req.Name),
		zap.Strings("resources", candidate.ResourceIDs()))
	return candidate, nil
}

// matchCategory 在单个类别内依次满足各条需求，同一资源不会被两条需求共用
func (m *Matcher) matchCategory(kind common.ResourceKind, reqs []requirement, resources []common.Resource) ([]string, *common.Shortfall) {
	requested := 0
	for _, r := range reqs {
		requested += r.count
	}

	// 快速失败：需求数量超过该类型已发现的总量时必然不足，不再组装候选集；
	// 已匹配数量按相同的选择规则统计，缺口与常规路径一致
	if requested > len(resources) {
		return nil, newShortfall(kind, requested, len(selectFree(reqs, resources)))
	}

	selected := selectFree(reqs, resources)
	if len(selected) < requested {
		return nil, newShortfall(kind, requested, len(selected))
	}
	sort.Strings(selected)
	return selected, nil
}

// selectFree 依次为每条需求按 ID 升序选取满足条件的 FREE 资源，同一资源只选一次
func selectFree(reqs []requirement, resources []common.Resource) []string {
	used := make(map[string]struct{})
	var selected []string
	for _, r := range reqs {
		taken := 0
		for _, res := range resources {
			if taken == r.count {
				break
			}
			if res.State != common.ResourceStateFree {
				continue
			}
			if _, ok := used[res.ID]; ok {
				continue
			}
			if !r.matches(res) {
				continue
			}
			used[res.ID] = struct{}{}
			selected = append(selected, res.ID)
			taken++
		}
	}
	return selected
}

func newShortfall(kind common.ResourceKind, requested, matched int) *common.Shortfall {
	return &common.Shortfall{
		Category:  CategoryForKind(kind),
		Requested: requested,
		Matched:   matched,
		Missing:   requested - matched,
	}
}

// requirementsFor 将请求中某一类别的需求转换为统一的匹配条件
func requirementsFor(req common.RequestedNode, kind common.ResourceKind) []requirement {
	var out []requirement
	switch kind {
	case common.KindProcessor:
		for _, p := range req.Processors {
			p := p
			out = append(out, requirement{
				count:   common.RequirementCount(p.Count),
				matches: func(res common.Resource) bool { return matchProcessor(p, res) },
			})
		}
	case common.KindMemory:
		for _, mem := range req.Memory {
			mem := mem
			out = append(out, requirement{
				count:   common.RequirementCount(mem.Count),
				matches: func(res common.Resource) bool { return matchMemory(mem, res) },
			})
		}
	case common.KindLocalDrive, common.KindRemoteDrive:
		drives := req.LocalDrives
		if kind == common.KindRemoteDrive {
			drives = req.RemoteDrives
		}
		for _, d := range drives {
			d := d
			out = append(out, requirement{
				count:   common.RequirementCount(d.Count),
				matches: func(res common.Resource) bool { return matchDrive(kind, d, res) },
			})
		}
	case common.KindEthernetInterface:
		for _, e := range req.EthernetInterfaces {
			e := e
			out = append(out, requirement{
				count:   common.RequirementCount(e.Count),
				matches: func(res common.Resource) bool { return matchEthernet(e, res) },
			})
		}
	}
	return out
}

// CheckCompatibility 检查单个资源能否加入已有节点
//
// 节点请求中包含该类别需求时，资源必须满足其中至少一条（不考虑固定的资源 ID 和数量）；
// 请求未涉及该类别时只校验类型可挂载。
func CheckCompatibility(req common.RequestedNode, res common.Resource) error {
	var reqs []requirement
	switch res.Kind {
	case common.KindProcessor:
		for _, p := range req.Processors {
			p.ResourceID = ""
			p := p
			reqs = append(reqs, requirement{matches: func(r common.Resource) bool { return matchProcessor(p, r) }})
		}
	case common.KindLocalDrive, common.KindRemoteDrive:
		drives := req.LocalDrives
		if res.Kind == common.KindRemoteDrive {
			drives = req.RemoteDrives
		}
		for _, d := range drives {
			d.ResourceID = ""
			d := d
			kind := res.Kind
			reqs = append(reqs, requirement{matches: func(r common.Resource) bool { return matchDrive(kind, d, r) }})
		}
	case common.KindEthernetInterface:
		for _, e := range req.EthernetInterfaces {
			e.ResourceID = ""
			e := e
			reqs = append(reqs, requirement{matches: func(r common.Resource) bool { return matchEthernet(e, r) }})
		}
	default:
		return &common.IncompatibleResourceError{
			ResourceID: res.ID,
			Reason:     fmt.Sprintf("resources of kind %s cannot be attached", res.Kind),
		}
	}

	if len(reqs) == 0 {
		return nil
	}
	for _, r := range reqs {
		if r.matches(res) {
			return nil
		}
	}
	return &common.IncompatibleResourceError{
		ResourceID: res.ID,
		Reason:     fmt.Sprintf("does not satisfy any %s requirement of the node", CategoryForKind(res.Kind)),
	}
}
