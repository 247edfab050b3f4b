package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"podm/internal/common"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var nodesBucket = []byte("composed_nodes")

// BoltNodeStore 基于 bbolt 的节点存储，key = 节点 ID，value = JSON
type BoltNodeStore struct {
	db     *bbolt.DB
	path   string
	logger *zap.Logger
}

// NewBoltNodeStore 打开（必要时创建）bbolt 数据库
func NewBoltNodeStore(path string) (*BoltNodeStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: bolt store path required", common.ErrInvalidConfiguration)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltNodeStore{
		db:     db,
		path:   path,
		logger: common.ComponentLogger("bolt-node-store"),
	}, nil
}

func (s *BoltNodeStore) SaveNode(ctx context.Context, node *common.ComposedNode) error {
	if node == nil || node.ID == "" {
		return common.NewValidationError("id", "cannot be empty", nil)
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		if bucket == nil {
			return fmt.Errorf("nodes bucket not found")
		}
		if err := bucket.Put([]byte(node.ID), data); err != nil {
			return fmt.Errorf("failed to save node: %w", err)
		}
		return nil
	})
}

func (s *BoltNodeStore) GetNode(ctx context.Context, id string) (*common.ComposedNode, error) {
	var node *common.ComposedNode
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		if bucket == nil {
			return fmt.Errorf("nodes bucket not found")
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", common.ErrNodeNotFound, id)
		}
		node = &common.ComposedNode{}
		if err := json.Unmarshal(data, node); err != nil {
			return fmt.Errorf("failed to unmarshal node: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BoltNodeStore) ListNodes(ctx context.Context) ([]*common.ComposedNode, error) {
	var nodes []*common.ComposedNode
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		if bucket == nil {
			return fmt.Errorf("nodes bucket not found")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var node common.ComposedNode
			if err := json.Unmarshal(v, &node); err != nil {
				s.logger.Warn("Skipping unreadable node record",
					zap.String("key", string(k)),
					zap.Error(err))
				return nil
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	SortNodes(nodes)
	return nodes, nil
}

func (s *BoltNodeStore) DeleteNode(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		if bucket == nil {
			return fmt.Errorf("nodes bucket not found")
		}
		return bucket.Delete([]byte(id))
	})
}

func (s *BoltNodeStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
