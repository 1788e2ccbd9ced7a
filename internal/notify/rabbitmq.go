package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 发布器的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	Queue      string
	Durable    bool
	AutoDelete bool
	Encoding   Encoding
}

// RabbitMQPublisher 把事件写入 RabbitMQ 队列，消息 ID 即幂等键。
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	encoding Encoding
}

// NewRabbitMQPublisher 创建 RabbitMQ 发布器。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "escrow.events"
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = EncodingJSON
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
		}
		if err := ch.QueueBind(queue, "", cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
		}
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, queue: queue, encoding: enc}, nil
}

// Publish 以持久化消息投递事件。
func (p *RabbitMQPublisher) Publish(ctx context.Context, evt Event) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布器未初始化")
	}
	body, err := Encode(p.encoding, evt)
	if err != nil {
		return err
	}
	routingKey := p.queue
	if p.exchange != "" {
		routingKey = ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  p.encoding.ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.Key,
		Type:         string(evt.Type),
		Timestamp:    evt.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
