package inventory

import (
	"sort"
	"sync"

	"podm/internal/common"

	"go.uber.org/zap"
)

// Index 资源清单索引，保存所有已发现资源及其可用状态
//
// map 结构由 mu 保护；单个资源的状态迁移由该资源自己的锁保护，
// 因此不同资源上的 TryTransition 互不阻塞。
type Index struct {
	mu        sync.RWMutex
	resources map[string]*entry
	logger    *zap.Logger
}

type entry struct {
	mu  sync.Mutex
	res common.Resource
}

// NewIndex 创建新的资源索引
func NewIndex() *Index {
	return &Index{
		resources: make(map[string]*entry),
		logger:    common.ComponentLogger("inventory-index"),
	}
}

// Snapshot 返回指定类型资源的时间点副本，按 ID 升序排列；未指定类型时返回全部
func (idx *Index) Snapshot(kinds ...common.ResourceKind) []common.Resource {
	var filter map[common.ResourceKind]struct{}
	if len(kinds) > 0 {
		filter = make(map[common.ResourceKind]struct{}, len(kinds))
		for _, k := range kinds {
			filter[k] = struct{}{}
		}
	}

	idx.mu.RLock()
	out := make([]common.Resource, 0, len(idx.resources))
	for _, e := range idx.resources {
		e.mu.Lock()
		if filter != nil {
			if _, ok := filter[e.res.Kind]; !ok {
				e.mu.Unlock()
				continue
			}
		}
		out = append(out, e.res.Clone())
		e.mu.Unlock()
	}
	idx.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get 获取单个资源副本
func (idx *Index) Get(id string) (common.Resource, bool) {
	e := idx.lookup(id)
	if e == nil {
		return common.Resource{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.res.Clone(), true
}

// TryTransition 条件更新：仅当资源当前状态为 from 时迁移到 to 并设置所属节点
//
// 目标状态为 RESERVED/ALLOCATED 时 owner 必须非空；其他状态下 owner 被清空。
func (idx *Index) TryTransition(id string, from, to common.ResourceState, newOwner string) bool {
	if to.IsOwned() && newOwner == "" {
		return false
	}

	e := idx.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.res.State != from {
		return false
	}
	// 从已占用状态迁出时只允许当前所属节点操作
	if from.IsOwned() && to.IsOwned() && e.res.Owner != newOwner {
		return false
	}

	e.res.State = to
	if to.IsOwned() {
		e.res.Owner = newOwner
	} else {
		e.res.Owner = ""
	}

	idx.logger.Debug("Resource state transitioned",
		zap.String("resource_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("owner", e.res.Owner))
	return true
}

// Release 将已占用资源释放回 FREE
func (idx *Index) Release(id string) error {
	return idx.ReleaseOwned(id, "")
}

// ReleaseOwned 释放资源；owner 非空时要求资源当前属于该节点
func (idx *Index) ReleaseOwned(id, owner string) error {
	e := idx.lookup(id)
	if e == nil {
		return &common.NotOwnedError{ResourceID: id, NodeID: owner}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.res.State.IsOwned() || (owner != "" && e.res.Owner != owner) {
		return &common.NotOwnedError{ResourceID: id, NodeID: owner}
	}

	previousOwner := e.res.Owner
	e.res.State = common.ResourceStateFree
	e.res.Owner = ""

	idx.logger.Debug("Resource released",
		zap.String("resource_id", id),
		zap.String("previous_owner", previousOwner))
	return nil
}

// Upsert 发现组件写入路径：新资源按发现状态插入；已有资源只更新属性，不改变状态和所属节点
func (idx *Index) Upsert(res common.Resource) error {
	if err := common.ValidateResource(res); err != nil {
		return err
	}
	if res.State == "" {
		res.State = common.ResourceStateFree
	}
	res.Owner = ""

	idx.mu.Lock()
	e, exists := idx.resources[res.ID]
	if !exists {
		idx.resources[res.ID] = &entry{res: res.Clone()}
		idx.mu.Unlock()

		idx.logger.Info("Resource discovered",
			zap.String("resource_id", res.ID),
			zap.String("kind", string(res.Kind)),
			zap.String("state", string(res.State)))
		return nil
	}
	idx.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	updated := res.Clone()
	updated.State = e.res.State
	updated.Owner = e.res.Owner
	// 未被占用的资源可以由发现组件标记为 FAILED/UNAVAILABLE 或恢复为 FREE
	if !e.res.State.IsOwned() {
		updated.State = res.State
	}
	e.res = updated
	return nil
}

// Remove 发现组件移除资源，已被占用的资源不能移除
func (idx *Index) Remove(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, exists := idx.resources[id]
	if !exists {
		return common.ErrResourceNotFound
	}

	e.mu.Lock()
	owned := e.res.State.IsOwned()
	owner := e.res.Owner
	e.mu.Unlock()
	if owned {
		idx.logger.Warn("Refusing to remove owned resource",
			zap.String("resource_id", id),
			zap.String("owner", owner))
		return common.ErrResourceInUse
	}

	delete(idx.resources, id)
	idx.logger.Info("Resource removed", zap.String("resource_id", id))
	return nil
}

// Totals 按类型统计已发现资源总数（所有状态）
func (idx *Index) Totals() map[common.ResourceKind]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	totals := make(map[common.ResourceKind]int)
	for _, e := range idx.resources {
		e.mu.Lock()
		totals[e.res.Kind]++
		e.mu.Unlock()
	}
	return totals
}

// CountByKindAndState 按类型和状态统计资源数量
func (idx *Index) CountByKindAndState() map[common.ResourceKind]map[common.ResourceState]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	counts := make(map[common.ResourceKind]map[common.ResourceState]int)
	for _, e := range idx.resources {
		e.mu.Lock()
		byState, ok := counts[e.res.Kind]
		if !ok {
			byState = make(map[common.ResourceState]int)
			counts[e.res.Kind] = byState
		}
		byState[e.res.State]++
		e.mu.Unlock()
	}
	return counts
}

// Len 资源数量
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.resources)
}

func (idx *Index) lookup(id string) *entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.resources[id]
}
