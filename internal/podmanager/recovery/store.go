package recovery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"podm/internal/common"

	"go.uber.org/zap"
)

// NodeStore 组合节点持久化接口
//
// 进程重启后通过 ListNodes 恢复节点记录，并据此重建资源占用关系。
type NodeStore interface {
	// SaveNode 保存（覆盖）节点记录
	SaveNode(ctx context.Context, node *common.ComposedNode) error

	// GetNode 获取节点记录，不存在时返回 ErrNodeNotFound
	GetNode(ctx context.Context, id string) (*common.ComposedNode, error)

	// ListNodes 列出所有节点记录，按 ID 排序
	ListNodes(ctx context.Context) ([]*common.ComposedNode, error)

	// DeleteNode 删除节点记录，不存在时不报错
	DeleteNode(ctx context.Context, id string) error

	// Close 关闭存储
	Close() error
}

// CreateNodeStore 根据配置创建节点存储
func CreateNodeStore(config common.StoreConfig) (NodeStore, error) {
	switch config.Type {
	case "", "memory":
		return NewMemoryNodeStore(), nil
	case "bolt":
		return NewBoltNodeStore(config.Path)
	case "badger":
		return NewBadgerNodeStore(config.Path)
	default:
		return nil, fmt.Errorf("%w: unsupported store type %q", common.ErrInvalidConfiguration, config.Type)
	}
}

// MemoryNodeStore 内存节点存储，进程退出后数据丢失
type MemoryNodeStore struct {
	mu     sync.RWMutex
	nodes  map[string]*common.ComposedNode
	logger *zap.Logger
}

// NewMemoryNodeStore 创建内存节点存储
func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{
		nodes:  make(map[string]*common.ComposedNode),
		logger: common.ComponentLogger("memory-node-store"),
	}
}

func (s *MemoryNodeStore) SaveNode(ctx context.Context, node *common.ComposedNode) error {
	if node == nil || node.ID == "" {
		return common.NewValidationError("id", "cannot be empty", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node.Clone()
	return nil
}

func (s *MemoryNodeStore) GetNode(ctx context.Context, id string) (*common.ComposedNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrNodeNotFound, id)
	}
	return node.Clone(), nil
}

func (s *MemoryNodeStore) ListNodes(ctx context.Context) ([]*common.ComposedNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*common.ComposedNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node.Clone())
	}
	SortNodes(out)
	return out, nil
}

func (s *MemoryNodeStore) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func (s *MemoryNodeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Debug("Memory node store closed", zap.Int("nodes", len(s.nodes)))
	return nil
}

// SortNodes 按节点 ID 排序；数字 ID 按数值比较
func SortNodes(nodes []*common.ComposedNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return LessNodeID(nodes[i].ID, nodes[j].ID)
	})
}

// LessNodeID 比较两个节点 ID
func LessNodeID(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	if errA == nil {
		return true
	}
	if errB == nil {
		return false
	}
	return a < b
}

// MaxNodeID 返回数字节点 ID 的最大值，用于重启后继续分配 ID
func MaxNodeID(nodes []*common.ComposedNode) uint64 {
	var highest uint64
	for _, n := range nodes {
		if v, err := strconv.ParseUint(n.ID, 10, 64); err == nil && v > highest {
			highest = v
		}
	}
	return highest
}
