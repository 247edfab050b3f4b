package reservation

import (
	"sort"

	"podm/internal/common"

	"go.uber.org/zap"
)

// Index 预留所需的资源索引操作
type Index interface {
	Get(id string) (common.Resource, bool)
	TryTransition(id string, from, to common.ResourceState, newOwner string) bool
	ReleaseOwned(id, owner string) error
}

// Manager 预留管理器
//
// 预留只是一个事务边界：按 ID 升序逐个条件迁移，任一失败则回滚本次调用已迁移的资源。
// 固定的迁移顺序保证并发请求之间不会出现活锁。
type Manager struct {
	index   Index
	metrics *common.Metrics
	logger  *zap.Logger
}

// NewManager 创建预留管理器
func NewManager(index Index, metrics *common.Metrics) *Manager {
	return &Manager{
		index:   index,
		metrics: metrics,
		logger:  common.ComponentLogger("reservation-manager"),
	}
}

// Reserve 将候选资源从 FREE 迁移到 RESERVED，全部成功或全部回滚
func (m *Manager) Reserve(ids []string, nodeID string) error {
	return m.transitionAll(ids, nodeID, common.ResourceStateFree, common.ResourceStateReserved)
}

// Commit 将节点预留的资源从 RESERVED 迁移到 ALLOCATED
func (m *Manager) Commit(ids []string, nodeID string) error {
	return m.transitionAll(ids, nodeID, common.ResourceStateReserved, common.ResourceStateAllocated)
}

// ReserveAndCommit 单次调用完成预留和提交；提交失败时释放已预留的资源
func (m *Manager) ReserveAndCommit(ids []string, nodeID string) error {
	if err := m.Reserve(ids, nodeID); err != nil {
		return err
	}
	if err := m.Commit(ids, nodeID); err != nil {
		m.Release(ids, nodeID)
		return err
	}
	return nil
}

// Release 释放节点仍占用的资源，返回每个释放失败的错误
//
// 已经不属于该节点的资源会被跳过并报告 NotOwnedError，不会影响其他资源的释放。
func (m *Manager) Release(ids []string, nodeID string) []error {
	var errs []error
	for _, id := range sortedCopy(ids) {
		if err := m.index.ReleaseOwned(id, nodeID); err != nil {
			m.logger.Warn("Failed to release resource",
				zap.String("resource_id", id),
				zap.String("node_id", nodeID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(ids) > len(errs) {
		m.logger.Debug("Resources released",
			zap.String("node_id", nodeID),
			zap.Int("released", len(ids)-len(errs)))
	}
	return errs
}

func (m *Manager) transitionAll(ids []string, nodeID string, from, to common.ResourceState) error {
	if nodeID == "" {
		return common.NewValidationError("node_id", "cannot be empty", nodeID)
	}

	ordered := sortedCopy(ids)
	moved := make([]string, 0, len(ordered))
	for _, id := range ordered {
		if m.index.TryTransition(id, from, to, nodeID) {
			moved = append(moved, id)
			continue
		}

		conflict := &common.ResourceConflictError{ResourceID: id, NodeID: nodeID}
		if res, ok := m.index.Get(id); ok {
			conflict.State = res.State
		}
		m.rollback(moved, nodeID, from, to)
		m.metrics.IncReservationConflict()

		m.logger.Info("Reservation conflict, rolled back",
			zap.String("node_id", nodeID),
			zap.String("resource_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("rolled_back", len(moved)))
		return conflict
	}

	m.logger.Debug("Resources transitioned",
		zap.String("node_id", nodeID),
		zap.String("to", string(to)),
		zap.Strings("resources", ordered))
	return nil
}

// rollback 按相反方向撤销本次调用已完成的迁移
func (m *Manager) rollback(moved []string, nodeID string, from, to common.ResourceState) {
	for i := len(moved) - 1; i >= 0; i-- {
		id := moved[i]
		var ok bool
		if from == common.ResourceStateFree {
			ok = m.index.ReleaseOwned(id, nodeID) == nil
		} else {
			ok = m.index.TryTransition(id, to, from, nodeID)
		}
		if !ok {
			m.logger.Error("Rollback failed, resource left in unexpected state",
				zap.String("resource_id", id),
				zap.String("node_id", nodeID))
		}
	}
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
