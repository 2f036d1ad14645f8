package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store errors. Callers branch on these with errors.Is.
var (
	ErrNotFound = errors.New("session not found")
	ErrConflict = errors.New("illegal message update")
)

// Store is the durable session mapping. Writes are serialized per
// session so appended messages observe a total order (the insertion
// order is the persisted order).
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store over an already-migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}
}

// sessionLock returns the per-session write lock, creating it on first use.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Create inserts a new session. A zero ID gets a fresh UUID.
func (s *Store) Create(sess *Session) (*Session, error) {
	if sess == nil {
		sess = &Session{}
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, title, emoji, preview, message_count, provider, model, is_voice, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, nullString(sess.Emoji), sess.Preview,
		nullString(sess.Provider), nullString(sess.Model), boolInt(sess.IsVoice),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetOrCreate returns the session with the given ID, creating it when
// absent. The scheduler uses this for its fixed "scheduler:{job_id}"
// sessions.
func (s *Store) GetOrCreate(id string) (*Session, error) {
	sess, err := s.Get(id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.Create(&Session{ID: id})
}

// Get returns the session header.
func (s *Store) Get(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, title, emoji, preview, message_count, provider, model, is_voice, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// List returns all session summaries, most recently updated first.
func (s *Store) List() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, title, emoji, preview, message_count, provider, model, is_voice, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Append adds a message to a session. The write is durable before the
// message ID is returned. Attachments carried on the message are
// persisted in the same transaction.
func (s *Store) Append(sessionID string, msg *Message) (*Message, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.Get(sessionID); err != nil {
		return nil, err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.SessionID = sessionID
	if msg.Status == "" {
		msg.Status = StatusCompleted
	}
	msg.CreatedAt = time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var seq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to read message order: %w", err)
	}
	msg.Seq = seq.Int64 + 1

	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(
		`INSERT INTO messages (id, session_id, seq, role, content, status, error_message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Seq, msg.Role, msg.Content, msg.Status,
		nullString(msg.ErrorMessage), meta, msg.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.FileID == "" {
			att.FileID = uuid.New().String()
		}
		att.MessageID = msg.ID
		_, err = tx.Exec(
			`INSERT INTO attachments (file_id, message_id, filename, mime_type, size, content, is_image, thumbnail)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			att.FileID, msg.ID, att.Filename, att.MimeType, att.Size,
			att.ContentBase64, boolInt(att.IsImage), nullString(att.Thumbnail),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to persist attachment: %w", err)
		}
	}

	_, err = tx.Exec(
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		msg.CreatedAt.Unix(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to bump session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return msg, nil
}

// Update applies a legal patch to a message. Content may only be
// appended while the message is streaming; status only moves forward;
// metadata is merged. Anything else is ErrConflict.
func (s *Store) Update(sessionID, messageID string, patch Patch) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.getMessage(sessionID, messageID)
	if err != nil {
		return err
	}

	if patch.AppendContent != "" {
		if msg.Status != StatusStreaming && msg.Status != StatusPending {
			return fmt.Errorf("%w: content append on %s message", ErrConflict, msg.Status)
		}
		msg.Content += patch.AppendContent
	}
	if patch.Status != "" && patch.Status != msg.Status {
		if !validTransition(msg.Status, patch.Status) {
			return fmt.Errorf("%w: status %s -> %s", ErrConflict, msg.Status, patch.Status)
		}
		msg.Status = patch.Status
	}
	if patch.ErrorMessage != "" {
		msg.ErrorMessage = patch.ErrorMessage
	}
	if patch.MergeMetadata != nil {
		mergeMetadata(&msg.Metadata, patch.MergeMetadata)
	}

	meta, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE messages SET content = ?, status = ?, error_message = ?, metadata = ? WHERE id = ? AND session_id = ?`,
		msg.Content, msg.Status, nullString(msg.ErrorMessage), meta, messageID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// Messages returns the session's full history in insertion order.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	if _, err := s.Get(sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT id, session_id, seq, role, content, status, error_message, metadata, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Attachments returns the blobs stored for one message.
func (s *Store) Attachments(messageID string) ([]Attachment, error) {
	rows, err := s.db.Query(
		`SELECT file_id, message_id, filename, mime_type, size, content, is_image, thumbnail
		 FROM attachments WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var att Attachment
		var isImage int
		var thumb sql.NullString
		if err := rows.Scan(&att.FileID, &att.MessageID, &att.Filename, &att.MimeType,
			&att.Size, &att.ContentBase64, &isImage, &thumb); err != nil {
			return nil, err
		}
		att.IsImage = isImage != 0
		att.Thumbnail = thumb.String
		out = append(out, att)
	}
	return out, rows.Err()
}

// UpdateSummary patches session header fields the orchestrator refreshes
// after each turn (preview, title, emoji, provider/model used).
func (s *Store) UpdateSummary(sessionID, title, emoji, preview, provider, model string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET
		   title    = CASE WHEN ? != '' THEN ? ELSE title END,
		   emoji    = CASE WHEN ? != '' THEN ? ELSE emoji END,
		   preview  = CASE WHEN ? != '' THEN ? ELSE preview END,
		   provider = CASE WHEN ? != '' THEN ? ELSE provider END,
		   model    = CASE WHEN ? != '' THEN ? ELSE model END,
		   updated_at = ?
		 WHERE id = ?`,
		title, title, emoji, emoji, preview, preview,
		provider, provider, model, model,
		time.Now().UTC().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session, its messages, and their attachments (FK
// cascade). RAG chunks keyed by the session are the kernel's job.
func (s *Store) Delete(sessionID string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *Store) getMessage(sessionID, messageID string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, seq, role, content, status, error_message, metadata, created_at
		 FROM messages WHERE id = ? AND session_id = ?`, messageID, sessionID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// attachTo loads attachments for user messages in bulk-free fashion;
// histories are small enough that per-message lookups are fine.
func (s *Store) attachTo(msgs []Message) error {
	for i := range msgs {
		if msgs[i].Role != RoleUser {
			continue
		}
		atts, err := s.Attachments(msgs[i].ID)
		if err != nil {
			return err
		}
		msgs[i].Attachments = atts
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var emoji, provider, model sql.NullString
	var isVoice int
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.Title, &emoji, &sess.Preview, &sess.MessageCount,
		&provider, &model, &isVoice, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.Emoji = emoji.String
	sess.Provider = provider.String
	sess.Model = model.String
	sess.IsVoice = isVoice != 0
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sess, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var errMsg, meta sql.NullString
	var createdAt int64
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content,
		&msg.Status, &errMsg, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.ErrorMessage = errMsg.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
	}
	msg.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &msg, nil
}

func marshalMetadata(m Metadata) (sql.NullString, error) {
	empty := len(m.ToolCalls) == 0 && m.ToolCallID == "" && m.TokenUsage == nil &&
		len(m.Automation) == 0 && len(m.Dashboard) == 0
	if empty {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode message metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func mergeMetadata(dst, src *Metadata) {
	if len(src.ToolCalls) > 0 {
		dst.ToolCalls = append(dst.ToolCalls, src.ToolCalls...)
	}
	if src.ToolCallID != "" {
		dst.ToolCallID = src.ToolCallID
	}
	if src.TokenUsage != nil {
		dst.TokenUsage = src.TokenUsage
	}
	if len(src.Automation) > 0 {
		dst.Automation = src.Automation
	}
	if len(src.Dashboard) > 0 {
		dst.Dashboard = src.Dashboard
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
