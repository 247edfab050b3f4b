package southbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"podm/internal/common"

	"go.uber.org/zap"
)

// SimulatedConfigurator 模拟南向配置，带固定延迟和可注入的失败
type SimulatedConfigurator struct {
	mu           sync.Mutex
	latency      time.Duration
	failAssembly map[string]struct{}
	failures     map[string][]error
	calls        map[string]int
	hang         map[string]bool
	logger       *zap.Logger
}

// NewSimulatedConfigurator 创建模拟南向配置组件
func NewSimulatedConfigurator(latency time.Duration) *SimulatedConfigurator {
	return &SimulatedConfigurator{
		latency:      latency,
		failAssembly: make(map[string]struct{}),
		failures:     make(map[string][]error),
		calls:        make(map[string]int),
		hang:         make(map[string]bool),
		logger:       common.ComponentLogger("southbound-simulated"),
	}
}

// FailAssemblyFor 包含指定资源的节点装配总是失败
func (s *SimulatedConfigurator) FailAssemblyFor(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAssembly[resourceID] = struct{}{}
}

// InjectFailure 让指定操作接下来的调用依次返回给定错误
func (s *SimulatedConfigurator) InjectFailure(operation string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[operation] = append(s.failures[operation], errs...)
}

// Hang 指定操作阻塞直到 ctx 结束，用于模拟无响应的硬件
func (s *SimulatedConfigurator) Hang(operation string, hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang[operation] = hang
}

// Calls 返回指定操作被调用的次数
func (s *SimulatedConfigurator) Calls(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[operation]
}

// Assemble 模拟装配
func (s *SimulatedConfigurator) Assemble(ctx context.Context, node *common.ComposedNode, resources []common.Resource) error {
	if err := s.simulate(ctx, OpAssemble, node.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range resources {
		if _, ok := s.failAssembly[res.ID]; ok {
			return fmt.Errorf("resource %s rejected configuration", res.ID)
		}
	}
	s.logger.Info("Node assembled",
		zap.String("node_id", node.ID),
		zap.Int("resources", len(resources)))
	return nil
}

// Attach 模拟挂载
func (s *SimulatedConfigurator) Attach(ctx context.Context, node *common.ComposedNode, resource common.Resource) error {
	if err := s.simulate(ctx, OpAttach, node.ID); err != nil {
		return err
	}
	s.logger.Info("Resource attached",
		zap.String("node_id", node.ID),
		zap.String("resource_id", resource.ID))
	return nil
}

// Detach 模拟卸载
func (s *SimulatedConfigurator) Detach(ctx context.Context, node *common.ComposedNode, resource common.Resource) error {
	if err := s.simulate(ctx, OpDetach, node.ID); err != nil {
		return err
	}
	s.logger.Info("Resource detached",
		zap.String("node_id", node.ID),
		zap.String("resource_id", resource.ID))
	return nil
}

// Reset 模拟复位
func (s *SimulatedConfigurator) Reset(ctx context.Context, node *common.ComposedNode, resetType common.ResetType) error {
	if err := s.simulate(ctx, OpReset, node.ID); err != nil {
		return err
	}
	s.logger.Info("Node reset",
		zap.String("node_id", node.ID),
		zap.String("reset_type", string(resetType)))
	return nil
}

// Teardown 模拟拆除
func (s *SimulatedConfigurator) Teardown(ctx context.Context, node *common.ComposedNode, resources []common.Resource) error {
	if err := s.simulate(ctx, OpTeardown, node.ID); err != nil {
		return err
	}
	s.logger.Info("Node torn down",
		zap.String("node_id", node.ID),
		zap.Int("resources", len(resources)),
		zap.Bool("clear_tpm", node.ClearTPMOnDelete))
	return nil
}

// simulate 记录调用、模拟延迟并返回注入的失败
func (s *SimulatedConfigurator) simulate(ctx context.Context, operation, nodeID string) error {
	s.mu.Lock()
	s.calls[operation]++
	hang := s.hang[operation]
	var injected error
	if queue := s.failures[operation]; len(queue) > 0 {
		injected = queue[0]
		s.failures[operation] = queue[1:]
	}
	latency := s.latency
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if injected != nil {
		s.logger.Debug("Injected southbound failure",
			zap.String("operation", operation),
			zap.String("node_id", nodeID),
			zap.Error(injected))
		return injected
	}
	return nil
}
