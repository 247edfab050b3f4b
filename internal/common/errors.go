package common

import (
	"errors"
	"fmt"
	"strings"
)

// 定义常见错误类型
var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrOperationTimeout     = errors.New("operation timeout")

	ErrInsufficientResources = errors.New("insufficient resources")
	ErrResourceConflict      = errors.New("resource conflict")
	ErrInvalidState          = errors.New("invalid state")
	ErrNotOwned              = errors.New("resource not owned")
	ErrIncompatibleResource  = errors.New("incompatible resource")
	ErrUnsupportedResetType  = errors.New("unsupported reset type")
	ErrAssemblyFailed        = errors.New("assembly failed")
	ErrRemovalFailed         = errors.New("removal failed")
	ErrAttachFailed          = errors.New("attach failed")
	ErrDetachFailed          = errors.New("detach failed")
	ErrResetFailed           = errors.New("reset failed")
	ErrNodeNotFound          = errors.New("composed node not found")
	ErrResourceNotFound      = errors.New("resource not found")
	ErrResourceInUse         = errors.New("resource in use")
)

// Shortfall 单个需求类别的缺口
type Shortfall struct {
	Category  string `json:"category"`
	Requested int    `json:"requested"`
	Matched   int    `json:"matched"`
	Missing   int    `json:"missing"`
}

// InsufficientResourcesError 资源不足错误，列出所有无法满足的类别
type InsufficientResourcesError struct {
	Shortfalls []Shortfall `json:"shortfalls"`
}

func (e *InsufficientResourcesError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s: short by %d (requested %d, matched %d)",
			s.Category, s.Missing, s.Requested, s.Matched))
	}
	return fmt.Sprintf("insufficient resources: %s", strings.Join(parts, "; "))
}

func (e *InsufficientResourcesError) Is(target error) bool {
	return target == ErrInsufficientResources
}

// ShortfallFor 获取指定类别的缺口
func (e *InsufficientResourcesError) ShortfallFor(category string) (Shortfall, bool) {
	for _, s := range e.Shortfalls {
		if s.Category == category {
			return s, true
		}
	}
	return Shortfall{}, false
}

// ResourceConflictError 资源竞争失败
type ResourceConflictError struct {
	ResourceID string        `json:"resource_id"`
	NodeID     string        `json:"node_id"`
	State      ResourceState `json:"state,omitempty"`
}

func (e *ResourceConflictError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("resource conflict: %s is %s, cannot be claimed by node %s", e.ResourceID, e.State, e.NodeID)
	}
	return fmt.Sprintf("resource conflict: %s cannot be claimed by node %s", e.ResourceID, e.NodeID)
}

func (e *ResourceConflictError) Is(target error) bool {
	return target == ErrResourceConflict
}

// InvalidStateError 当前生命周期状态不允许该操作
type InvalidStateError struct {
	NodeID    string            `json:"node_id"`
	Current   ComposedNodeState `json:"current"`
	Requested string            `json:"requested"`
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state: node %s is %s, cannot %s", e.NodeID, e.Current, e.Requested)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// NotOwnedError 资源不属于该节点
type NotOwnedError struct {
	ResourceID string `json:"resource_id"`
	NodeID     string `json:"node_id,omitempty"`
}

func (e *NotOwnedError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("resource %s is not owned", e.ResourceID)
	}
	return fmt.Sprintf("resource %s is not owned by node %s", e.ResourceID, e.NodeID)
}

func (e *NotOwnedError) Is(target error) bool {
	return target == ErrNotOwned
}

// IncompatibleResourceError 资源与节点组成不兼容
type IncompatibleResourceError struct {
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason"`
}

func (e *IncompatibleResourceError) Error() string {
	return fmt.Sprintf("incompatible resource %s: %s", e.ResourceID, e.Reason)
}

func (e *IncompatibleResourceError) Is(target error) bool {
	return target == ErrIncompatibleResource
}

// UnsupportedResetTypeError 节点不支持的复位类型
type UnsupportedResetTypeError struct {
	NodeID    string      `json:"node_id"`
	ResetType ResetType   `json:"reset_type"`
	Allowed   []ResetType `json:"allowed"`
}

func (e *UnsupportedResetTypeError) Error() string {
	return fmt.Sprintf("reset type %q not supported by node %s (allowed: %v)", e.ResetType, e.NodeID, e.Allowed)
}

func (e *UnsupportedResetTypeError) Is(target error) bool {
	return target == ErrUnsupportedResetType
}

// NodeOperationError 南向操作失败（装配、移除、挂载、卸载、复位）
type NodeOperationError struct {
	Kind   error  `json:"-"`
	NodeID string `json:"node_id"`
	Cause  error  `json:"-"`
}

func (e *NodeOperationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v: node %s", e.Kind, e.NodeID)
	}
	return fmt.Sprintf("%v: node %s: %v", e.Kind, e.NodeID, e.Cause)
}

func (e *NodeOperationError) Is(target error) bool {
	return target == e.Kind
}

func (e *NodeOperationError) Unwrap() error {
	return e.Cause
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// NewValidationError 创建验证错误
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// IsRetryable 调用方稍后重试可能成功的错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInsufficientResources) || errors.Is(err, ErrResourceConflict)
}

// ValidateResource 验证发现的资源记录
func ValidateResource(resource Resource) error {
	if resource.ID == "" {
		return NewValidationError("id", "cannot be empty", resource.ID)
	}
	if !resource.Kind.Valid() {
		return NewValidationError("kind", "unknown resource kind", resource.Kind)
	}
	if resource.State != "" && !resource.State.Valid() {
		return NewValidationError("state", "unknown resource state", resource.State)
	}
	if resource.State.IsOwned() {
		return NewValidationError("state", "discovered resources cannot be owned", resource.State)
	}

	switch resource.Kind {
	case KindProcessor:
		if resource.Processor == nil {
			return NewValidationError("processor", "attributes required for kind Processor", nil)
		}
	case KindMemory:
		if resource.Memory == nil {
			return NewValidationError("memory", "attributes required for kind Memory", nil)
		}
		if resource.Memory.CapacityMiB < 0 {
			return NewValidationError("memory.capacity_mib", "must not be negative", resource.Memory.CapacityMiB)
		}
	case KindLocalDrive, KindRemoteDrive:
		if resource.Drive == nil {
			return NewValidationError("drive", "attributes required for drive kinds", nil)
		}
		if resource.Drive.CapacityGiB < 0 {
			return NewValidationError("drive.capacity_gib", "must not be negative", resource.Drive.CapacityGiB)
		}
	case KindEthernetInterface:
		if resource.Ethernet == nil {
			return NewValidationError("ethernet", "attributes required for kind EthernetInterface", nil)
		}
	}
	return nil
}

// ValidateRequestedNode 验证组合节点请求
func ValidateRequestedNode(req RequestedNode) error {
	for i, p := range req.Processors {
		if err := validateCount(fmt.Sprintf("processors[%d].count", i), p.Count, p.ResourceID); err != nil {
			return err
		}
		if p.MinCores < 0 || p.MinSpeedMHz < 0 {
			return NewValidationError(fmt.Sprintf("processors[%d]", i), "minimums must not be negative", p)
		}
	}
	for i, m := range req.Memory {
		if err := validateCount(fmt.Sprintf("memory[%d].count", i), m.Count, m.ResourceID); err != nil {
			return err
		}
		if m.MinCapacityMiB < 0 || m.MinSpeedMHz < 0 || m.MinDataWidthBits < 0 {
			return NewValidationError(fmt.Sprintf("memory[%d]", i), "minimums must not be negative", m)
		}
	}
	for i, d := range req.LocalDrives {
		if err := validateCount(fmt.Sprintf("local_drives[%d].count", i), d.Count, d.ResourceID); err != nil {
			return err
		}
		if d.MinCapacityGiB < 0 {
			return NewValidationError(fmt.Sprintf("local_drives[%d].min_capacity_gib", i), "must not be negative", d.MinCapacityGiB)
		}
	}
	for i, d := range req.RemoteDrives {
		if err := validateCount(fmt.Sprintf("remote_drives[%d].count", i), d.Count, d.ResourceID); err != nil {
			return err
		}
		if d.MinCapacityGiB < 0 {
			return NewValidationError(fmt.Sprintf("remote_drives[%d].min_capacity_gib", i), "must not be negative", d.MinCapacityGiB)
		}
	}
	for i, e := range req.EthernetInterfaces {
		if err := validateCount(fmt.Sprintf("ethernet_interfaces[%d].count", i), e.Count, e.ResourceID); err != nil {
			return err
		}
		for _, vlan := range e.VLANs {
			if vlan < 1 || vlan > 4094 {
				return NewValidationError(fmt.Sprintf("ethernet_interfaces[%d].vlans", i), "vlan id must be between 1 and 4094", vlan)
			}
		}
	}
	return nil
}

func validateCount(field string, count int, resourceID string) error {
	if count < 0 {
		return NewValidationError(field, "must not be negative", count)
	}
	if resourceID != "" && count > 1 {
		return NewValidationError(field, "must be 1 when a specific resource is requested", count)
	}
	return nil
}
