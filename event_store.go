package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ========================================
// EventStore - SQLite 事件日志
// ========================================

// EventStore journals status events per run of the tool.
type EventStore struct {
	db     *sql.DB
	dbPath string

	sessionMu sync.RWMutex
	sessionID string

	// 写入缓冲
	writeBuffer    []StatusEvent
	writeBufferMu  sync.Mutex
	flushInterval  time.Duration
	flushThreshold int
	stopChan       chan struct{}
	writerDone     chan struct{}
	closeOnce      sync.Once

	// 预编译语句
	stmtInsertEvent   *sql.Stmt
	stmtInsertSession *sql.Stmt
	stmtEndSession    *sql.Stmt
}

// JournalSession is one run of the tool.
type JournalSession struct {
	ID         string `json:"id"`
	StartTime  int64  `json:"startTime"` // Unix ms
	EndTime    int64  `json:"endTime"`   // 0 = active
	Status     string `json:"status"`    // "active", "completed", "failed"
	Command    string `json:"command"`
	AdbVersion string `json:"adbVersion,omitempty"`
	EventCount int    `json:"eventCount"`
}

// JournalEvent is a stored status event.
type JournalEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
	Kind      EventKind       `json:"kind"`
	Level     EventLevel      `json:"level"`
	Category  string          `json:"category"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Message   string          `json:"message"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventQuery filters journal reads.
type EventQuery struct {
	SessionID string
	DeviceID  string
	Kinds     []EventKind
	Levels    []EventLevel
	Search    string
	Limit     int
	Latest    bool // keep the newest Limit events instead of the oldest
}

const journalSchemaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    start_time INTEGER NOT NULL,
    end_time INTEGER DEFAULT 0,
    status TEXT DEFAULT 'active',
    command TEXT NOT NULL,
    adb_version TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_time ON sessions(start_time DESC);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    kind TEXT NOT NULL,
    level TEXT NOT NULL,
    category TEXT NOT NULL,
    device_id TEXT,
    message TEXT NOT NULL,
    error_kind TEXT,
    data TEXT,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_events_session_time ON events(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_device_time ON events(device_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_level ON events(session_id, level);
`

// NewEventStore 打开 (或创建) 日志数据库
func NewEventStore(dbPath string) (*EventStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite 单写入
	db.SetMaxIdleConns(1)

	store := &EventStore{
		db:             db,
		dbPath:         dbPath,
		writeBuffer:    make([]StatusEvent, 0, 64),
		flushInterval:  500 * time.Millisecond,
		flushThreshold: 100,
		stopChan:       make(chan struct{}),
		writerDone:     make(chan struct{}),
	}

	if _, err := db.Exec(journalSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	store.startBackgroundWriter()
	return store, nil
}

func (s *EventStore) prepareStatements() error {
	var err error

	s.stmtInsertEvent, err = s.db.Prepare(`
		INSERT OR IGNORE INTO events (
			id, session_id, timestamp, kind, level, category,
			device_id, message, error_kind, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert event: %w", err)
	}

	s.stmtInsertSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, start_time, status, command, adb_version)
		VALUES (?, ?, 'active', ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert session: %w", err)
	}

	s.stmtEndSession, err = s.db.Prepare(`UPDATE sessions SET end_time = ?, status = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare end session: %w", err)
	}
	return nil
}

func (s *EventStore) startBackgroundWriter() {
	ticker := time.NewTicker(s.flushInterval)
	go func() {
		defer close(s.writerDone)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Flush()
			case <-s.stopChan:
				s.Flush() // 最后一次刷新
				return
			}
		}
	}()
}

// Close flushes pending events and closes the database.
func (s *EventStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		<-s.writerDone

		for _, stmt := range []*sql.Stmt{s.stmtInsertEvent, s.stmtInsertSession, s.stmtEndSession} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}

// ========================================
// Session 操作
// ========================================

// StartSession opens a journal session; later events are attached to it.
func (s *EventStore) StartSession(command, adbVersion string) (string, error) {
	id := uuid.New().String()
	if _, err := s.stmtInsertSession.Exec(id, time.Now().UnixMilli(), command, nullString(adbVersion)); err != nil {
		return "", err
	}
	s.sessionMu.Lock()
	s.sessionID = id
	s.sessionMu.Unlock()
	return id, nil
}

// EndSession flushes and closes the current session.
func (s *EventStore) EndSession(status string) error {
	s.Flush()
	s.sessionMu.Lock()
	id := s.sessionID
	s.sessionID = ""
	s.sessionMu.Unlock()
	if id == "" {
		return nil
	}
	_, err := s.stmtEndSession.Exec(time.Now().UnixMilli(), status, id)
	return err
}

// CurrentSession returns the active session id.
func (s *EventStore) CurrentSession() string {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.sessionID
}

// ListSessions returns the newest sessions first.
func (s *EventStore) ListSessions(limit int) ([]JournalSession, error) {
	query := `
		SELECT s.id, s.start_time, s.end_time, s.status, s.command, s.adb_version,
			(SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)
		FROM sessions s
		ORDER BY s.start_time DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []JournalSession
	for rows.Next() {
		var js JournalSession
		var version sql.NullString
		if err := rows.Scan(&js.ID, &js.StartTime, &js.EndTime, &js.Status, &js.Command, &version, &js.EventCount); err != nil {
			return nil, err
		}
		js.AdbVersion = version.String
		sessions = append(sessions, js)
	}
	return sessions, rows.Err()
}

// CleanupOldSessions deletes sessions that started before now-maxAge.
func (s *EventStore) CleanupOldSessions(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM sessions WHERE start_time < ? AND status != 'active'`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ========================================
// Event 写入
// ========================================

// Record buffers ev for the current session. Events outside a session are dropped.
func (s *EventStore) Record(ev StatusEvent) {
	if s.CurrentSession() == "" {
		return
	}
	s.writeBufferMu.Lock()
	s.writeBuffer = append(s.writeBuffer, ev)
	shouldFlush := len(s.writeBuffer) >= s.flushThreshold
	s.writeBufferMu.Unlock()

	if shouldFlush {
		go s.Flush()
	}
}

// Flush writes buffered events.
func (s *EventStore) Flush() {
	s.writeBufferMu.Lock()
	if len(s.writeBuffer) == 0 {
		s.writeBufferMu.Unlock()
		return
	}
	events := s.writeBuffer
	s.writeBuffer = make([]StatusEvent, 0, 64)
	s.writeBufferMu.Unlock()

	if err := s.writeEventsBatch(s.CurrentSession(), events); err != nil {
		LogError("journal").Err(err).Int("events", len(events)).Msg("Failed to flush events")
	}
}

func (s *EventStore) writeEventsBatch(sessionID string, events []StatusEvent) error {
	if sessionID == "" || len(events) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.stmtInsertEvent)
	for _, ev := range events {
		var data sql.NullString
		if ev.Outcome != nil {
			if b, err := json.Marshal(ev.Outcome); err == nil {
				data = sql.NullString{String: string(b), Valid: true}
			}
		}
		_, err := stmt.Exec(
			ev.ID, sessionID, ev.Time.UnixMilli(),
			string(ev.Kind), string(ev.Level), ev.Category,
			nullString(ev.DeviceID), ev.Message, nullString(string(ev.ErrKind)), data,
		)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// ========================================
// Event 查询
// ========================================

// QueryEvents returns matching events, oldest first.
func (s *EventStore) QueryEvents(q EventQuery) ([]JournalEvent, error) {
	var where []string
	var args []interface{}

	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if len(q.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(q.Kinds))+")")
		for _, k := range q.Kinds {
			args = append(args, string(k))
		}
	}
	if len(q.Levels) > 0 {
		where = append(where, "level IN ("+placeholders(len(q.Levels))+")")
		for _, l := range q.Levels {
			args = append(args, string(l))
		}
	}
	if q.Search != "" {
		where = append(where, "message LIKE ?")
		args = append(args, "%"+q.Search+"%")
	}

	query := `SELECT id, session_id, timestamp, kind, level, category, device_id, message, error_kind, data FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Latest {
		query += " ORDER BY timestamp DESC, rowid DESC"
	} else {
		query += " ORDER BY timestamp ASC, rowid ASC"
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JournalEvent
	for rows.Next() {
		var je JournalEvent
		var device, errKind, data sql.NullString
		if err := rows.Scan(&je.ID, &je.SessionID, &je.Timestamp, &je.Kind, &je.Level, &je.Category,
			&device, &je.Message, &errKind, &data); err != nil {
			return nil, err
		}
		je.DeviceID = device.String
		je.ErrorKind = errKind.String
		if data.Valid {
			je.Data = json.RawMessage(data.String)
		}
		events = append(events, je)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Latest {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
