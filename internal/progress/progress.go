package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"AgentEscrow-Chain/pkg/logger"
)

// Event reports one workflow transition.
type Event struct {
	HireID  string    `json:"hire_id"`
	State   string    `json:"state"`
	JobID   *uint64   `json:"job_id,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives progress events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Publish 调用函数本身。
func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop discards events.
var Nop Sink = SinkFunc(func(context.Context, Event) error { return nil })

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// LogSink writes events to the structured log.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink 创建日志 Sink；log 为空时使用全局 logger。
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = logger.Named("progress")
	}
	return &LogSink{log: log}
}

// Publish 记录一条进度日志。
func (s *LogSink) Publish(ctx context.Context, ev Event) error {
	attrs := []any{"hire_id", ev.HireID, "state", ev.State}
	if ev.JobID != nil {
		attrs = append(attrs, "job_id", *ev.JobID)
	}
	if ev.Code != "" {
		attrs = append(attrs, "code", ev.Code)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}
	s.log.InfoContext(ctx, "hire progress", attrs...)
	return nil
}

// Fanout delivers each event to every sink. A failing sink is logged and
// never fails the workflow.
type Fanout struct {
	sinks []Sink
	log   *slog.Logger
}

// NewFanout 组合多个 Sink，忽略 nil。
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{log: logger.Named("progress")}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish 依次投递，失败只记录日志。
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	if f == nil {
		return nil
	}
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			f.log.Warn("投递进度事件失败", "hire_id", ev.HireID, "state", ev.State, "error", err)
		}
	}
	return nil
}

// Len 返回 Sink 数量。
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}
