package common

import (
	"sort"
	"time"
)

// ResourceKind 资源类型
type ResourceKind string

const (
	KindProcessor         ResourceKind = "Processor"
	KindMemory            ResourceKind = "Memory"
	KindLocalDrive        ResourceKind = "LocalDrive"
	KindRemoteDrive       ResourceKind = "RemoteDrive"
	KindEthernetInterface ResourceKind = "EthernetInterface"
)

// AllResourceKinds 所有资源类型，按匹配顺序排列
var AllResourceKinds = []ResourceKind{
	KindProcessor,
	KindMemory,
	KindLocalDrive,
	KindRemoteDrive,
	KindEthernetInterface,
}

// Valid 检查资源类型是否合法
func (k ResourceKind) Valid() bool {
	switch k {
	case KindProcessor, KindMemory, KindLocalDrive, KindRemoteDrive, KindEthernetInterface:
		return true
	}
	return false
}

// ResourceState 资源可用状态
type ResourceState string

const (
	ResourceStateFree        ResourceState = "FREE"
	ResourceStateReserved    ResourceState = "RESERVED"
	ResourceStateAllocated   ResourceState = "ALLOCATED"
	ResourceStateFailed      ResourceState = "FAILED"
	ResourceStateUnavailable ResourceState = "UNAVAILABLE"
)

// IsOwned 该状态下资源必须有所属节点
func (s ResourceState) IsOwned() bool {
	return s == ResourceStateReserved || s == ResourceStateAllocated
}

// Valid 检查资源状态是否合法
func (s ResourceState) Valid() bool {
	switch s {
	case ResourceStateFree, ResourceStateReserved, ResourceStateAllocated,
		ResourceStateFailed, ResourceStateUnavailable:
		return true
	}
	return false
}

// ResetType 复位类型
type ResetType string

const (
	ResetOn               ResetType = "On"
	ResetForceOn          ResetType = "ForceOn"
	ResetForceOff         ResetType = "ForceOff"
	ResetGracefulShutdown ResetType = "GracefulShutdown"
	ResetGracefulRestart  ResetType = "GracefulRestart"
	ResetForceRestart     ResetType = "ForceRestart"
	ResetNmi              ResetType = "Nmi"
	ResetPushPowerButton  ResetType = "PushPowerButton"
)

// PowerState 电源状态
type PowerState string

const (
	PowerStateUnknown PowerState = ""
	PowerStateOn      PowerState = "On"
	PowerStateOff     PowerState = "Off"
)

// ProcessorAttributes 处理器（计算模块）属性
type ProcessorAttributes struct {
	Model          string   `json:"model,omitempty" yaml:"model,omitempty"`
	Architecture   string   `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	InstructionSet string   `json:"instruction_set,omitempty" yaml:"instruction_set,omitempty"`
	TotalCores     int      `json:"total_cores,omitempty" yaml:"total_cores,omitempty"`
	MaxSpeedMHz    int      `json:"max_speed_mhz,omitempty" yaml:"max_speed_mhz,omitempty"`
	TrustedModules []string `json:"trusted_modules,omitempty" yaml:"trusted_modules,omitempty"` // TPM 接口类型
	TxtEnabled     bool     `json:"txt_enabled,omitempty" yaml:"txt_enabled,omitempty"`
}

// MemoryAttributes 内存模块属性
type MemoryAttributes struct {
	MemoryType    string `json:"memory_type,omitempty" yaml:"memory_type,omitempty"`
	CapacityMiB   int64  `json:"capacity_mib,omitempty" yaml:"capacity_mib,omitempty"`
	SpeedMHz      int    `json:"speed_mhz,omitempty" yaml:"speed_mhz,omitempty"`
	DataWidthBits int    `json:"data_width_bits,omitempty" yaml:"data_width_bits,omitempty"`
	Manufacturer  string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
}

// DriveAttributes 本地/远程驱动器属性
type DriveAttributes struct {
	Interface   string  `json:"interface,omitempty" yaml:"interface,omitempty"`   // NVMe, SATA, SAS
	MediaType   string  `json:"media_type,omitempty" yaml:"media_type,omitempty"` // SSD, HDD
	CapacityGiB float64 `json:"capacity_gib,omitempty" yaml:"capacity_gib,omitempty"`
	IsVolume    bool    `json:"is_volume,omitempty" yaml:"is_volume,omitempty"`
	Protocol    string  `json:"protocol,omitempty" yaml:"protocol,omitempty"` // iSCSI, NVMeOverFabrics
}

// EthernetAttributes 网络接口属性
type EthernetAttributes struct {
	SpeedMbps  int    `json:"speed_mbps,omitempty" yaml:"speed_mbps,omitempty"`
	Linked     bool   `json:"linked,omitempty" yaml:"linked,omitempty"` // 已连接到交换机端口
	MACAddress string `json:"mac_address,omitempty" yaml:"mac_address,omitempty"`
}

// Resource 可发现的硬件资源单元
//
// Kind 决定使用哪个属性块，其余属性块为 nil。
type Resource struct {
	ID         string        `json:"id" yaml:"id"`
	Kind       ResourceKind  `json:"kind" yaml:"kind"`
	ChassisID  string        `json:"chassis_id,omitempty" yaml:"chassis_id,omitempty"`
	State      ResourceState `json:"state" yaml:"state"`
	Owner      string        `json:"owner,omitempty" yaml:"-"`
	ResetTypes []ResetType   `json:"reset_types,omitempty" yaml:"reset_types,omitempty"`

	Processor *ProcessorAttributes `json:"processor,omitempty" yaml:"processor,omitempty"`
	Memory    *MemoryAttributes    `json:"memory,omitempty" yaml:"memory,omitempty"`
	Drive     *DriveAttributes     `json:"drive,omitempty" yaml:"drive,omitempty"`
	Ethernet  *EthernetAttributes  `json:"ethernet,omitempty" yaml:"ethernet,omitempty"`
}

// Clone 深拷贝资源
func (r Resource) Clone() Resource {
	out := r
	if r.ResetTypes != nil {
		out.ResetTypes = append([]ResetType(nil), r.ResetTypes...)
	}
	switch r.Kind {
	case KindProcessor:
		if r.Processor != nil {
			p := *r.Processor
			p.TrustedModules = append([]string(nil), r.Processor.TrustedModules...)
			out.Processor = &p
		}
	case KindMemory:
		if r.Memory != nil {
			m := *r.Memory
			out.Memory = &m
		}
	case KindLocalDrive, KindRemoteDrive:
		if r.Drive != nil {
			d := *r.Drive
			out.Drive = &d
		}
	case KindEthernetInterface:
		if r.Ethernet != nil {
			e := *r.Ethernet
			out.Ethernet = &e
		}
	}
	return out
}

// ProcessorRequirement 处理器需求
type ProcessorRequirement struct {
	Count          int    `json:"count,omitempty" yaml:"count,omitempty"`
	ResourceID     string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	ChassisID      string `json:"chassis_id,omitempty" yaml:"chassis_id,omitempty"`
	Model          string `json:"model,omitempty" yaml:"model,omitempty"`
	Architecture   string `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	InstructionSet string `json:"instruction_set,omitempty" yaml:"instruction_set,omitempty"`
	MinCores       int    `json:"min_cores,omitempty" yaml:"min_cores,omitempty"`
	MinSpeedMHz    int    `json:"min_speed_mhz,omitempty" yaml:"min_speed_mhz,omitempty"`

	// 安全属性
	TrustedModuleRequired bool   `json:"trusted_module_required,omitempty" yaml:"trusted_module_required,omitempty"`
	TPMInterfaceType      string `json:"tpm_interface_type,omitempty" yaml:"tpm_interface_type,omitempty"`
	TxtEnabled            *bool  `json:"txt_enabled,omitempty" yaml:"txt_enabled,omitempty"`
}

// MemoryRequirement 内存需求
type MemoryRequirement struct {
	Count            int    `json:"count,omitempty" yaml:"count,omitempty"`
	ResourceID       string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	ChassisID        string `json:"chassis_id,omitempty" yaml:"chassis_id,omitempty"`
	MinCapacityMiB   int64  `json:"min_capacity_mib,omitempty" yaml:"min_capacity_mib,omitempty"`
	MemoryType       string `json:"memory_type,omitempty" yaml:"memory_type,omitempty"`
	MinSpeedMHz      int    `json:"min_speed_mhz,omitempty" yaml:"min_speed_mhz,omitempty"`
	MinDataWidthBits int    `json:"min_data_width_bits,omitempty" yaml:"min_data_width_bits,omitempty"`
	Manufacturer     string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
}

// DriveRequirement 本地或远程驱动器需求
type DriveRequirement struct {
	Count          int     `json:"count,omitempty" yaml:"count,omitempty"`
	ResourceID     string  `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	ChassisID      string  `json:"chassis_id,omitempty" yaml:"chassis_id,omitempty"`
	MinCapacityGiB float64 `json:"min_capacity_gib,omitempty" yaml:"min_capacity_gib,omitempty"`
	Interface      string  `json:"interface,omitempty" yaml:"interface,omitempty"`
	MediaType      string  `json:"media_type,omitempty" yaml:"media_type,omitempty"`
	Protocol       string  `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Volume         *bool   `json:"volume,omitempty" yaml:"volume,omitempty"`
}

// EthernetRequirement 网络接口需求
type EthernetRequirement struct {
	Count        int    `json:"count,omitempty" yaml:"count,omitempty"`
	ResourceID   string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	ChassisID    string `json:"chassis_id,omitempty" yaml:"chassis_id,omitempty"`
	MinSpeedMbps int    `json:"min_speed_mbps,omitempty" yaml:"min_speed_mbps,omitempty"`
	VLANs        []int  `json:"vlans,omitempty" yaml:"vlans,omitempty"`
}

// RequestedNode 组合节点请求，每次分配调用提供一次，之后不再修改
type RequestedNode struct {
	Name               string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Description        string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Processors         []ProcessorRequirement `json:"processors,omitempty" yaml:"processors,omitempty"`
	Memory             []MemoryRequirement    `json:"memory,omitempty" yaml:"memory,omitempty"`
	LocalDrives        []DriveRequirement     `json:"local_drives,omitempty" yaml:"local_drives,omitempty"`
	RemoteDrives       []DriveRequirement     `json:"remote_drives,omitempty" yaml:"remote_drives,omitempty"`
	EthernetInterfaces []EthernetRequirement  `json:"ethernet_interfaces,omitempty" yaml:"ethernet_interfaces,omitempty"`
	TaggedValues       map[string]string      `json:"tagged_values,omitempty" yaml:"tagged_values,omitempty"`
	ClearTPMOnDelete   bool                   `json:"clear_tpm_on_delete,omitempty" yaml:"clear_tpm_on_delete,omitempty"`
}

// RequirementCount 返回需求数量，未指定时为 1
func RequirementCount(count int) int {
	if count <= 0 {
		return 1
	}
	return count
}

// ComposedNodeState 组合节点生命周期状态
type ComposedNodeState string

const (
	NodeStatePending    ComposedNodeState = "PENDING"
	NodeStateAllocated  ComposedNodeState = "ALLOCATED"
	NodeStateAssembling ComposedNodeState = "ASSEMBLING"
	NodeStateAssembled  ComposedNodeState = "ASSEMBLED"
	NodeStateRemoving   ComposedNodeState = "REMOVING"
	NodeStateRemoved    ComposedNodeState = "REMOVED"
	NodeStateFailed     ComposedNodeState = "FAILED"
)

// ComposedNode 由独立物理资源组成的逻辑节点
type ComposedNode struct {
	ID                  string            `json:"id"`
	UUID                string            `json:"uuid"`
	Name                string            `json:"name,omitempty"`
	Description         string            `json:"description,omitempty"`
	State               ComposedNodeState `json:"state"`
	Resources           []string          `json:"resources"`
	AllowableResetTypes []ResetType       `json:"allowable_reset_types"`
	PowerState          PowerState        `json:"power_state,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	TaggedValues        map[string]string `json:"tagged_values,omitempty"`
	ClearTPMOnDelete    bool              `json:"clear_tpm_on_delete,omitempty"`
	Requested           RequestedNode     `json:"requested"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Clone 深拷贝组合节点
func (n *ComposedNode) Clone() *ComposedNode {
	if n == nil {
		return nil
	}
	out := *n
	out.Resources = append([]string{}, n.Resources...)
	out.AllowableResetTypes = append([]ResetType{}, n.AllowableResetTypes...)
	if n.TaggedValues != nil {
		out.TaggedValues = make(map[string]string, len(n.TaggedValues))
		for k, v := range n.TaggedValues {
			out.TaggedValues[k] = v
		}
	}
	return &out
}

// Owns 检查节点是否拥有指定资源
func (n *ComposedNode) Owns(resourceID string) bool {
	i := sort.SearchStrings(n.Resources, resourceID)
	return i < len(n.Resources) && n.Resources[i] == resourceID
}

// AddResource 添加资源，保持有序
func (n *ComposedNode) AddResource(resourceID string) {
	if n.Owns(resourceID) {
		return
	}
	n.Resources = append(n.Resources, resourceID)
	sort.Strings(n.Resources)
}

// RemoveResource 移除资源
func (n *ComposedNode) RemoveResource(resourceID string) bool {
	i := sort.SearchStrings(n.Resources, resourceID)
	if i >= len(n.Resources) || n.Resources[i] != resourceID {
		return false
	}
	n.Resources = append(n.Resources[:i], n.Resources[i+1:]...)
	return true
}

// SupportsReset 检查复位类型是否允许
func (n *ComposedNode) SupportsReset(t ResetType) bool {
	for _, allowed := range n.AllowableResetTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// IntersectResetTypes 计算资源支持的复位类型交集，不支持复位的资源不参与计算
func IntersectResetTypes(resources []Resource) []ResetType {
	var result []ResetType
	first := true
	for _, r := range resources {
		if len(r.ResetTypes) == 0 {
			continue
		}
		if first {
			result = append([]ResetType{}, r.ResetTypes...)
			first = false
			continue
		}
		supported := make(map[ResetType]struct{}, len(r.ResetTypes))
		for _, t := range r.ResetTypes {
			supported[t] = struct{}{}
		}
		kept := result[:0]
		for _, t := range result {
			if _, ok := supported[t]; ok {
				kept = append(kept, t)
			}
		}
		result = kept
	}
	if result == nil {
		return []ResetType{}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// PowerStateAfterReset 复位操作后的电源状态
func PowerStateAfterReset(current PowerState, t ResetType) PowerState {
	switch t {
	case ResetOn, ResetForceOn, ResetGracefulRestart, ResetForceRestart:
		return PowerStateOn
	case ResetForceOff, ResetGracefulShutdown:
		return PowerStateOff
	case ResetPushPowerButton:
		if current == PowerStateOn {
			return PowerStateOff
		}
		return PowerStateOn
	default:
		return current
	}
}
