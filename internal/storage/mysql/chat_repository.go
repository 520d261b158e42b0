package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultListLimit  = 20
	memoryHistoryCap  = 512
	memoryHistoryFile = "chat_exchanges.log"
)

// ToolCallRecord 记录一次工具调用的摘要。
type ToolCallRecord struct {
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	IsError   bool   `json:"is_error"`
}

// ChatRecord 表示一次完成的对话交换。
type ChatRecord struct {
	ID        int64            `json:"id"`
	RequestID string           `json:"request_id"`
	SessionID string           `json:"session_id"`
	Wallet    string           `json:"wallet"`
	Message   string           `json:"message"`
	Reply     string           `json:"reply"`
	Steps     int              `json:"steps"`
	ToolCalls []ToolCallRecord `json:"tool_calls"`
	Streamed  bool             `json:"streamed"`
	CreatedAt time.Time        `json:"created_at"`
}

// ChatRepository 抽象对话记录的持久化接口。
type ChatRepository interface {
	Save(ctx context.Context, record ChatRecord) error
	ListByWallet(ctx context.Context, wallet string, limit int) ([]ChatRecord, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > memoryHistoryCap {
		return memoryHistoryCap
	}
	return limit
}

// MemoryChatRepository 将对话记录追加写入本地 JSON 行文件，重启后可恢复。
type MemoryChatRepository struct {
	mu       sync.RWMutex
	dataFile string
	nextID   int64
	records  []ChatRecord
}

// NewMemoryChatRepository 创建基于本地文件的对话仓库。
func NewMemoryChatRepository(dataDir string) (*MemoryChatRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryChatRepository{dataFile: filepath.Join(dataDir, memoryHistoryFile)}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录对话。
func (m *MemoryChatRepository) Save(_ context.Context, record ChatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化对话记录失败: %w", err)
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开对话日志失败: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入对话日志失败: %w", err)
	}

	m.records = append([]ChatRecord{record}, m.records...)
	if len(m.records) > memoryHistoryCap {
		m.records = m.records[:memoryHistoryCap]
	}
	return nil
}

// ListByWallet 返回钱包最近的对话记录，按时间倒序排列。
func (m *MemoryChatRepository) ListByWallet(_ context.Context, wallet string, limit int) ([]ChatRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeLimit(limit)
	out := make([]ChatRecord, 0, limit)
	for _, record := range m.records {
		if !strings.EqualFold(record.Wallet, wallet) {
			continue
		}
		out = append(out, record)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryChatRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取对话日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []ChatRecord
	for scanner.Scan() {
		var record ChatRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID > m.nextID {
			m.nextID = record.ID
		}
		restored = append([]ChatRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析对话日志失败: %w", err)
	}

	if len(restored) > memoryHistoryCap {
		restored = restored[:memoryHistoryCap]
	}
	m.records = restored
	return nil
}

// SQLChatRepository 使用 MySQL 存储对话记录。
type SQLChatRepository struct {
	db *sql.DB
}

// NewSQLChatRepository 建立连接池并执行内嵌迁移。
func NewSQLChatRepository(ctx context.Context, cfg Config) (*SQLChatRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo, err := newSQLChatRepository(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func newSQLChatRepository(ctx context.Context, db *sql.DB) (*SQLChatRepository, error) {
	if err := runMigrations(ctx, db); err != nil {
		return nil, err
	}
	return &SQLChatRepository{db: db}, nil
}

// Save 将对话记录写入 MySQL。
func (s *SQLChatRepository) Save(ctx context.Context, record ChatRecord) error {
	toolCalls, err := json.Marshal(record.ToolCalls)
	if err != nil {
		return fmt.Errorf("序列化工具调用失败: %w", err)
	}

	const stmt = `INSERT INTO chat_exchanges
        (request_id, session_id, wallet, message, reply, steps, tool_calls, streamed, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.RequestID,
		record.SessionID,
		record.Wallet,
		record.Message,
		record.Reply,
		record.Steps,
		string(toolCalls),
		record.Streamed,
		record.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListByWallet 查询钱包最近的若干条对话记录。
func (s *SQLChatRepository) ListByWallet(ctx context.Context, wallet string, limit int) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, request_id, session_id, wallet, message, reply, steps, tool_calls, streamed, created_at
        FROM chat_exchanges WHERE wallet = ? ORDER BY id DESC LIMIT ?`, wallet, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询对话记录失败: %w", err)
	}
	defer rows.Close()

	var records []ChatRecord
	for rows.Next() {
		var (
			record    ChatRecord
			toolCalls string
			createdAt int64
		)
		if err := rows.Scan(&record.ID, &record.RequestID, &record.SessionID, &record.Wallet, &record.Message,
			&record.Reply, &record.Steps, &toolCalls, &record.Streamed, &createdAt); err != nil {
			return nil, fmt.Errorf("解析对话记录失败: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &record.ToolCalls); err != nil {
				return nil, fmt.Errorf("解析工具调用失败: %w", err)
			}
		}
		record.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历对话记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLChatRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ ChatRepository = (*MemoryChatRepository)(nil)
	_ ChatRepository = (*SQLChatRepository)(nil)
)
