package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"podm/internal/common"

	"go.uber.org/zap"
)

// Handler 事件处理函数
type Handler func(NodeEvent)

// Dispatcher 异步事件分发器
//
// Emit 从不阻塞调用方：缓冲区满时丢弃事件并记录警告。
// 后台 goroutine 依次把事件交给发布器和已注册的处理函数。
type Dispatcher struct {
	publisher Publisher
	events    chan NodeEvent
	timeout   time.Duration

	mu       sync.RWMutex
	handlers []Handler

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	logger  *zap.Logger
}

// NewDispatcher 创建事件分发器
func NewDispatcher(publisher Publisher, bufferSize int) *Dispatcher {
	if publisher == nil {
		publisher = NewLogPublisher()
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		publisher: publisher,
		events:    make(chan NodeEvent, bufferSize),
		timeout:   5 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    common.ComponentLogger("event-dispatcher"),
	}
}

// Start 启动后台分发
func (d *Dispatcher) Start() {
	if d.started.CompareAndSwap(false, true) {
		go d.run()
	}
}

// Subscribe 注册事件处理函数
func (d *Dispatcher) Subscribe(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

// Emit 发送事件
func (d *Dispatcher) Emit(event NodeEvent) {
	if d == nil {
		return
	}
	select {
	case <-d.ctx.Done():
		return
	default:
	}
	select {
	case d.events <- event:
	default:
		d.logger.Warn("Event channel full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("node_id", event.NodeID))
	}
}

// Stop 停止分发，处理完缓冲区中剩余的事件后关闭发布器
func (d *Dispatcher) Stop() error {
	var err error
	d.once.Do(func() {
		d.cancel()
		if d.started.Load() {
			<-d.done
		}
		err = d.publisher.Close()
	})
	return err
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case event := <-d.events:
			d.dispatch(event)
		case <-d.ctx.Done():
			for {
				select {
				case event := <-d.events:
					d.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(event NodeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.invoke(event, func() {
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.Error("Failed to publish event",
				zap.String("event_type", string(event.Type)),
				zap.String("node_id", event.NodeID),
				zap.Error(err))
		}
	})

	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.invoke(event, func() { h(event) })
	}
}

// invoke 执行一次发布或处理函数调用，panic 只影响本次调用
func (d *Dispatcher) invoke(event NodeEvent, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event dispatch panic recovered",
				zap.String("event_type", string(event.Type)),
				zap.String("node_id", event.NodeID),
				zap.Any("error", r))
		}
	}()
	fn()
}
