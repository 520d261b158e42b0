package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述事件交换机的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQ 将事件以 JSON 发布到 fanout 交换机，routing key 为事件类型。
type RabbitMQ struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQ 建立连接并声明交换机。
func NewRabbitMQ(cfg RabbitMQConfig) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "walletd.events"
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
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQ{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 发布一条持久化事件消息。
func (r *RabbitMQ) Publish(ctx context.Context, event Event) error {
	if r == nil || r.ch == nil {
		return errors.New("RabbitMQ 事件通道未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch.PublishWithContext(ctx, r.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
	})
}

// Close 关闭 channel 与连接。
func (r *RabbitMQ) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.ch != nil {
		err = errors.Join(err, r.ch.Close())
		r.ch = nil
	}
	if r.conn != nil {
		err = errors.Join(err, r.conn.Close())
		r.conn = nil
	}
	return err
}

var _ Publisher = (*RabbitMQ)(nil)
