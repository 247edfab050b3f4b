package composednode

import (
	"context"
	"fmt"

	"podm/internal/common"
	"podm/internal/podmanager/allocation"
	"podm/internal/podmanager/events"
	"podm/internal/podmanager/southbound"

	"go.uber.org/zap"
)

// AttachResource 向已装配的节点挂载一个资源
//
// 资源必须空闲、可挂载并满足节点请求中对应类别的条件；本地驱动器还要求
// 与节点的某个处理器位于同一机箱。南向挂载失败时资源被重新释放。
func (m *Manager) AttachResource(ctx context.Context, id, resourceID string) (*common.ComposedNode, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	node, err := m.requireState(entry, "attach", common.NodeStateAssembled)
	if err != nil {
		return nil, err
	}
	if node.Owns(resourceID) {
		return node, nil
	}

	res, ok := m.index.Get(resourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrResourceNotFound, resourceID)
	}
	if err := allocation.CheckCompatibility(node.Requested, res); err != nil {
		return nil, err
	}
	if res.Kind == common.KindLocalDrive && !m.sharesChassisWithProcessor(node, res) {
		return nil, &common.IncompatibleResourceError{
			ResourceID: resourceID,
			Reason:     fmt.Sprintf("local drive in chassis %q is not reachable from the node's processors", res.ChassisID),
		}
	}
	if res.State != common.ResourceStateFree {
		return nil, &common.ResourceConflictError{ResourceID: resourceID, NodeID: id, State: res.State}
	}

	if err := m.reservations.ReserveAndCommit([]string{resourceID}, id); err != nil {
		return nil, err
	}

	callErr := southbound.Call(ctx, m.config.SouthboundTimeout, southbound.OpAttach, m.metrics,
		func(ctx context.Context) error {
			return m.configurator.Attach(ctx, node, res)
		})
	if callErr != nil {
		m.reservations.Release([]string{resourceID}, id)
		return nil, &common.NodeOperationError{Kind: common.ErrAttachFailed, NodeID: id, Cause: callErr}
	}

	updated := m.update(entry, func(n *common.ComposedNode) {
		n.AddResource(resourceID)
		n.AllowableResetTypes = common.IntersectResetTypes(m.resources(n.Resources))
	})

	event := events.NewNodeEvent(events.EventResourceAttached, id)
	event.ResourceID = resourceID
	m.events.Emit(event)
	m.logger.Info("Resource attached to composed node",
		zap.String("node_id", id),
		zap.String("resource_id", resourceID),
		zap.String("kind", string(res.Kind)))
	return updated, nil
}

// DetachResource 从已装配的节点卸载一个资源并释放
//
// 资源不属于该节点时返回 NotOwnedError，节点的资源集合保持不变。
func (m *Manager) DetachResource(ctx context.Context, id, resourceID string) (*common.ComposedNode, error) {
	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	node, err := m.requireState(entry, "detach", common.NodeStateAssembled)
	if err != nil {
		return nil, err
	}
	if !node.Owns(resourceID) {
		return nil, &common.NotOwnedError{ResourceID: resourceID, NodeID: id}
	}

	res, ok := m.index.Get(resourceID)
	if !ok {
		res = common.Resource{ID: resourceID}
	}

	callErr := southbound.Call(ctx, m.config.SouthboundTimeout, southbound.OpDetach, m.metrics,
		func(ctx context.Context) error {
			return m.configurator.Detach(ctx, node, res)
		})
	if callErr != nil {
		return nil, &common.NodeOperationError{Kind: common.ErrDetachFailed, NodeID: id, Cause: callErr}
	}

	updated := m.update(entry, func(n *common.ComposedNode) {
		n.RemoveResource(resourceID)
		n.AllowableResetTypes = common.IntersectResetTypes(m.resources(n.Resources))
	})
	if errs := m.reservations.Release([]string{resourceID}, id); len(errs) > 0 {
		m.logger.Warn("Detached resource was not owned in the index",
			zap.String("node_id", id),
			zap.String("resource_id", resourceID),
			zap.Error(errs[0]))
	}

	event := events.NewNodeEvent(events.EventResourceDetached, id)
	event.ResourceID = resourceID
	m.events.Emit(event)
	m.logger.Info("Resource detached from composed node",
		zap.String("node_id", id),
		zap.String("resource_id", resourceID))
	return updated, nil
}

// sharesChassisWithProcessor 本地驱动器只能挂载到同机箱处理器所在的节点
func (m *Manager) sharesChassisWithProcessor(node *common.ComposedNode, drive common.Resource) bool {
	if drive.ChassisID == "" {
		return true
	}
	for _, res := range m.resources(node.Resources) {
		if res.Kind == common.KindProcessor && res.ChassisID == drive.ChassisID {
			return true
		}
	}
	return false
}
