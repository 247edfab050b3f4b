package southbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"podm/internal/common"

	"go.uber.org/zap"
)

// 南向操作名称，用于日志和指标
const (
	OpAssemble = "assemble"
	OpAttach   = "attach"
	OpDetach   = "detach"
	OpReset    = "reset"
	OpTeardown = "teardown"
)

// Configurator 南向配置接口，负责把占用的资源在硬件上真正组装成节点
//
// 实现必须遵守 ctx 的取消；调用方通过 Call 施加超时。
type Configurator interface {
	Assemble(ctx context.Context, node *common.ComposedNode, resources []common.Resource) error
	Attach(ctx context.Context, node *common.ComposedNode, resource common.Resource) error
	Detach(ctx context.Context, node *common.ComposedNode, resource common.Resource) error
	Reset(ctx context.Context, node *common.ComposedNode, resetType common.ResetType) error
	Teardown(ctx context.Context, node *common.ComposedNode, resources []common.Resource) error
}

// NewConfigurator 根据配置创建南向配置组件
func NewConfigurator(config common.SouthboundConfig) (Configurator, error) {
	switch config.Type {
	case "", "simulated":
		sim := NewSimulatedConfigurator(config.Latency)
		for _, id := range config.FailAssemblyFor {
			sim.FailAssemblyFor(id)
		}
		return sim, nil
	default:
		return nil, fmt.Errorf("%w: unsupported southbound type %q", common.ErrInvalidConfiguration, config.Type)
	}
}

// Call 在超时限制下执行南向调用
//
// 调用在独立 goroutine 中执行，即使实现忽略 ctx，超时后也会立即返回 ErrOperationTimeout。
func Call(ctx context.Context, timeout time.Duration, operation string, metrics *common.Metrics, fn func(ctx context.Context) error) error {
	logger := common.LoggerFromContext(ctx)
	start := time.Now()

	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && callCtx.Err() != nil {
			err = contextError(operation, callCtx.Err(), err)
		}
	case <-callCtx.Done():
		err = contextError(operation, callCtx.Err(), nil)
	}

	metrics.ObserveSouthbound(operation, start, err)
	if err != nil {
		logger.Warn("Southbound call failed",
			zap.String("operation", operation),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
	return err
}

// contextError 超时统一归类为 ErrOperationTimeout，调用方取消则保留取消原因
func contextError(operation string, ctxErr, cause error) error {
	if cause == nil {
		cause = ctxErr
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: southbound %s: %v", common.ErrOperationTimeout, operation, cause)
	}
	return fmt.Errorf("southbound %s: %w", operation, cause)
}
