package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange hire progress is published to.
const DefaultExchange = "escrow.hire"

// RabbitMQConfig 描述 RabbitMQ 进度通道的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQSink publishes events to a topic exchange with routing key
// hire.<state>.
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewRabbitMQSink 连接 RabbitMQ 并声明 topic exchange。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
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
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func newRabbitMQSinkWithChannel(ch amqpChannel, exchange string) *RabbitMQSink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &RabbitMQSink{ch: ch, exchange: exchange}
}

// RoutingKey 返回事件的路由键。
func RoutingKey(state string) string {
	return "hire." + strings.ToLower(state)
}

// Publish 投递事件到 exchange。
func (s *RabbitMQSink) Publish(ctx context.Context, ev Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ Sink 未初始化")
	}
	body, err := encode(ev)
	if err != nil {
		return fmt.Errorf("编码进度事件失败: %w", err)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(ev.State), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.HireID + ":" + ev.State,
		Timestamp:    ev.At,
		Body:         body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
