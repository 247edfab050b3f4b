package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"podm/internal/common"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const nodeKeyPrefix = "node:"

// BadgerNodeStore 基于 Badger 的节点存储
type BadgerNodeStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerNodeStore 打开 Badger 数据目录
func NewBadgerNodeStore(path string) (*BadgerNodeStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: badger store path required", common.ErrInvalidConfiguration)
	}
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerNodeStore{
		db:     db,
		logger: common.ComponentLogger("badger-node-store"),
	}, nil
}

func nodeKey(id string) []byte {
	return []byte(nodeKeyPrefix + id)
}

func (s *BadgerNodeStore) SaveNode(ctx context.Context, node *common.ComposedNode) error {
	if node == nil || node.ID == "" {
		return common.NewValidationError("id", "cannot be empty", nil)
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(node.ID), data)
	})
}

func (s *BadgerNodeStore) GetNode(ctx context.Context, id string) (*common.ComposedNode, error) {
	var out common.ComposedNode
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", common.ErrNodeNotFound, id)
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerNodeStore) ListNodes(ctx context.Context) ([]*common.ComposedNode, error) {
	var nodes []*common.ComposedNode
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(nodeKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				var node common.ComposedNode
				if err := json.Unmarshal(v, &node); err != nil {
					return err
				}
				nodes = append(nodes, &node)
				return nil
			})
			if err != nil {
				s.logger.Warn("Skipping unreadable node record",
					zap.ByteString("key", item.KeyCopy(nil)),
					zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortNodes(nodes)
	return nodes, nil
}

func (s *BadgerNodeStore) DeleteNode(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nodeKey(id))
	})
}

func (s *BadgerNodeStore) Close() error {
	return s.db.Close()
}
