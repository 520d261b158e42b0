package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type 标识事件类别。
type Type string

const (
	TypeSessionInitialized Type = "session.initialized"
	TypeToolCalled         Type = "tool.called"
	TypeChatCompleted      Type = "chat.completed"
)

// Event 是对外广播的业务事件。
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Wallet     string    `json:"wallet"`
	SessionID  string    `json:"session_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New 创建带有唯一 ID 与时间戳的事件。
func New(typ Type, wallet, sessionID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Wallet:     wallet,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher 抽象事件发布通道。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Memory 在内存中保留最近的事件，便于测试与本地调试。
type Memory struct {
	mu       sync.RWMutex
	capacity int
	events   []Event
}

// NewMemory 创建内存事件通道。capacity <= 0 时保留 256 条。
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{capacity: capacity}
}

// Publish 记录事件，超出容量时丢弃最旧的事件。
func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if over := len(m.events) - m.capacity; over > 0 {
		m.events = append([]Event(nil), m.events[over:]...)
	}
	return nil
}

// Events 返回已记录事件的副本，按发布顺序排列。
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

// Close 实现 Publisher。
func (m *Memory) Close() error { return nil }

var (
	_ Publisher = Nop{}
	_ Publisher = (*Memory)(nil)
)
