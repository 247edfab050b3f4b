package allocation

import (
	"strings"

	"podm/internal/common"
)

// 需求匹配规则
//
// 字符串属性要求精确匹配（忽略大小写）；数值属性为“至少”语义，
// 资源未上报该属性（零值）时不满足任何大于零的最小值要求。

func matchProcessor(req common.ProcessorRequirement, res common.Resource) bool {
	if res.Kind != common.KindProcessor || res.Processor == nil {
		return false
	}
	if !matchPlacement(req.ResourceID, req.ChassisID, res) {
		return false
	}
	p := res.Processor
	if !equalFold(req.Model, p.Model) ||
		!equalFold(req.Architecture, p.Architecture) ||
		!equalFold(req.InstructionSet, p.InstructionSet) {
		return false
	}
	if p.TotalCores < req.MinCores || p.MaxSpeedMHz < req.MinSpeedMHz {
		return false
	}
	if req.TrustedModuleRequired && len(p.TrustedModules) == 0 {
		return false
	}
	if req.TPMInterfaceType != "" && !containsFold(p.TrustedModules, req.TPMInterfaceType) {
		return false
	}
	if req.TxtEnabled != nil && *req.TxtEnabled != p.TxtEnabled {
		return false
	}
	return true
}

func matchMemory(req common.MemoryRequirement, res common.Resource) bool {
	if res.Kind != common.KindMemory || res.Memory == nil {
		return false
	}
	if !matchPlacement(req.ResourceID, req.ChassisID, res) {
		return false
	}
	m := res.Memory
	if !equalFold(req.MemoryType, m.MemoryType) || !equalFold(req.Manufacturer, m.Manufacturer) {
		return false
	}
	return m.CapacityMiB >= req.MinCapacityMiB &&
		m.SpeedMHz >= req.MinSpeedMHz &&
		m.DataWidthBits >= req.MinDataWidthBits
}

func matchDrive(kind common.ResourceKind, req common.DriveRequirement, res common.Resource) bool {
	if res.Kind != kind || res.Drive == nil {
		return false
	}
	if !matchPlacement(req.ResourceID, req.ChassisID, res) {
		return false
	}
	d := res.Drive
	if !equalFold(req.Interface, d.Interface) ||
		!equalFold(req.MediaType, d.MediaType) ||
		!equalFold(req.Protocol, d.Protocol) {
		return false
	}
	if req.Volume != nil && *req.Volume != d.IsVolume {
		return false
	}
	return d.CapacityGiB >= req.MinCapacityGiB
}

func matchEthernet(req common.EthernetRequirement, res common.Resource) bool {
	if res.Kind != common.KindEthernetInterface || res.Ethernet == nil {
		return false
	}
	if !matchPlacement(req.ResourceID, req.ChassisID, res) {
		return false
	}
	e := res.Ethernet
	if e.SpeedMbps < req.MinSpeedMbps {
		return false
	}
	// VLAN 只能配置在已连接交换机端口的接口上
	if len(req.VLANs) > 0 && !e.Linked {
		return false
	}
	return true
}

func matchPlacement(resourceID, chassisID string, res common.Resource) bool {
	if resourceID != "" && resourceID != res.ID {
		return false
	}
	if chassisID != "" && chassisID != res.ChassisID {
		return false
	}
	return true
}

// equalFold 未指定的需求属性视为匹配
func equalFold(want, have string) bool {
	return want == "" || strings.EqualFold(want, have)
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
