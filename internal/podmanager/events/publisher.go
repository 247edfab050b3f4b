package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"podm/internal/common"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventType 组合节点事件类型
type EventType string

const (
	EventNodeCreated      EventType = "node.created"
	EventNodeStateChanged EventType = "node.state_changed"
	EventResourceAttached EventType = "node.resource_attached"
	EventResourceDetached EventType = "node.resource_detached"
	EventNodeReset        EventType = "node.reset"
)

// NodeEvent 组合节点生命周期事件
type NodeEvent struct {
	ID         string                   `json:"id"`
	Type       EventType                `json:"type"`
	NodeID     string                   `json:"node_id"`
	From       common.ComposedNodeState `json:"from,omitempty"`
	To         common.ComposedNodeState `json:"to,omitempty"`
	ResourceID string                   `json:"resource_id,omitempty"`
	Message    string                   `json:"message,omitempty"`
	Timestamp  time.Time                `json:"timestamp"`
}

// NewNodeEvent 创建事件
func NewNodeEvent(eventType EventType, nodeID string) NodeEvent {
	return NodeEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	}
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(ctx context.Context, event NodeEvent) error
	Close() error
}

// NewPublisher 根据配置创建事件发布器
func NewPublisher(config common.EventsConfig) (Publisher, error) {
	switch config.Type {
	case "", "log":
		return NewLogPublisher(), nil
	case "kafka":
		return NewKafkaPublisher(config.Brokers, config.Topic)
	case "nats":
		return NewNATSPublisher(config.NATSURL, config.Subject)
	default:
		return nil, fmt.Errorf("%w: unsupported events type %q", common.ErrInvalidConfiguration, config.Type)
	}
}

// LogPublisher 将事件写入结构化日志
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher 创建日志事件发布器
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: common.ComponentLogger("node-events")}
}

func (p *LogPublisher) Publish(ctx context.Context, event NodeEvent) error {
	p.logger.Info("Node event",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("node_id", event.NodeID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.String("resource_id", event.ResourceID),
		zap.String("message", event.Message))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// KafkaPublisher 将事件写入 Kafka 主题，以节点 ID 作为消息键保证同一节点的事件有序
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher 创建 Kafka 事件发布器
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", common.ErrInvalidConfiguration)
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: kafka topic required", common.ErrInvalidConfiguration)
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event NodeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.NodeID),
		Value: payload,
		Time:  event.Timestamp,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NATSPublisher 将事件发布到 NATS 主题 <subject>.<type>
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher 连接 NATS 并创建事件发布器
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	logger := common.ComponentLogger("nats-publisher")
	opts := []nats.Option{
		nats.Name("podm"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, subject: subject, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, event NodeEvent) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.nc.Publish(p.subject+"."+string(event.Type), payload)
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
