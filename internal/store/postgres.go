package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classbridge/api/internal/rbac"
)

var (
	ErrNotParticipant       = errors.New("not a thread participant")
	ErrUnknownRecipient     = errors.New("recipient not found in organization")
	ErrNotificationNotFound = errors.New("notification not found")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// threadProjection selects one row per thread the viewer ($1) participates in
// within organization $2, resolving the other participant and the most recent
// non-deleted message.
const threadProjection = `
	SELECT t.id, t.org_id, t.created_at, t.updated_at, me.unread,
		COALESCE(other.user_id, ''), COALESCE(u.first_name, ''), COALESCE(u.last_name, ''),
		COALESCE(u.email, ''), COALESCE(NULLIF(other.role, ''), u.role, ''),
		lm.id, lm.author_id, lm.body, lm.created_at
	FROM thread_participants me
	JOIN message_threads t ON t.id = me.thread_id
	LEFT JOIN LATERAL (
		SELECT p.user_id, p.role FROM thread_participants p
		WHERE p.thread_id = t.id AND p.user_id <> me.user_id
		ORDER BY p.user_id
		LIMIT 1
	) other ON TRUE
	LEFT JOIN users u ON u.id = other.user_id
	LEFT JOIN LATERAL (
		SELECT m.id, m.author_id, m.body, m.created_at FROM thread_messages m
		WHERE m.thread_id = t.id AND m.deleted_at IS NULL
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	) lm ON TRUE
	WHERE me.user_id = $1 AND t.org_id = $2
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var (
		thread      Thread
		role        string
		latestID    sql.NullString
		latestBy    sql.NullString
		latestBody  sql.NullString
		latestAt    sql.NullTime
		participant = &thread.OtherParticipant
	)
	err := row.Scan(
		&thread.ID, &thread.OrgID, &thread.CreatedAt, &thread.UpdatedAt, &thread.Unread,
		&participant.UserID, &participant.FirstName, &participant.LastName, &participant.Email, &role,
		&latestID, &latestBy, &latestBody, &latestAt,
	)
	if err != nil {
		return Thread{}, err
	}
	participant.Role = string(rbac.Normalize(role))
	thread.UnreadCount = UnreadCountFor(thread.Unread)
	if latestID.Valid {
		thread.LatestItem = &ThreadMessage{
			ID:        latestID.String,
			ThreadID:  thread.ID,
			AuthorID:  latestBy.String,
			Body:      latestBody.String,
			CreatedAt: latestAt.Time,
		}
	}
	return thread, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, orgID, viewerID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, threadProjection+` ORDER BY t.updated_at DESC, t.id`, viewerID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := []Thread{}
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, orgID, viewerID, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, threadProjection+` AND t.id = $3`, viewerID, orgID, threadID)
	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotParticipant
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

// GetParticipant is the membership point read. It returns ErrNotParticipant
// when no row exists for the pair.
func (s *PostgresStore) GetParticipant(ctx context.Context, threadID, userID string) (Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, user_id, unread, role FROM thread_participants
		WHERE thread_id = $1 AND user_id = $2
	`, threadID, userID).Scan(&p.ThreadID, &p.UserID, &p.Unread, &p.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotParticipant
	}
	if err != nil {
		return Participant{}, fmt.Errorf("get participant: %w", err)
	}
	p.Role = string(rbac.Normalize(p.Role))
	return p, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, orgID, threadID string) ([]ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, author_id, body, created_at
		FROM thread_messages
		WHERE org_id = $1 AND thread_id = $2 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, orgID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []ThreadMessage{}
	for rows.Next() {
		var m ThreadMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, orgID, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, org_id, kind, is_read, read_at, created_at, payload
		FROM notifications
		WHERE org_id = $1 AND user_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, orgID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		var (
			n       Notification
			readAt  sql.NullTime
			payload []byte
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.OrgID, &n.Kind, &n.IsRead, &readAt, &n.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if readAt.Valid {
			at := readAt.Time
			n.ReadAt = &at
		}
		n.Payload = payload
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UnreadNotificationCount(ctx context.Context, orgID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE org_id = $1 AND user_id = $2 AND NOT is_read
	`, orgID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// SendMessage inserts the message with its caller-issued id, bumps the
// thread and flags every other participant unread.
func (s *PostgresStore) SendMessage(ctx context.Context, orgID string, msg ThreadMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin send message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var member bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM thread_participants p JOIN message_threads t ON t.id = p.thread_id
			WHERE p.thread_id = $1 AND p.user_id = $2 AND t.org_id = $3
		)
	`, msg.ThreadID, msg.AuthorID, orgID).Scan(&member); err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return ErrNotParticipant
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_messages (id, thread_id, org_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.ThreadID, orgID, msg.AuthorID, msg.Body, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE message_threads SET updated_at = GREATEST(updated_at, $2) WHERE id = $1
	`, msg.ThreadID, msg.CreatedAt); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE thread_participants SET unread = TRUE WHERE thread_id = $1 AND user_id <> $2 AND NOT unread
	`, msg.ThreadID, msg.AuthorID); err != nil {
		return fmt.Errorf("flag participants unread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit send message: %w", err)
	}
	return nil
}

// CreateThread opens a direct thread between creator and recipient using
// threadID, or returns the id of the direct thread that already joins them.
func (s *PostgresStore) CreateThread(ctx context.Context, orgID, creatorID, recipientID, threadID string) (string, error) {
	if creatorID == recipientID {
		return "", fmt.Errorf("create thread: recipient must differ from creator")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT a.thread_id FROM thread_participants a
		JOIN thread_participants b ON b.thread_id = a.thread_id
		JOIN message_threads t ON t.id = a.thread_id
		WHERE a.user_id = $1 AND b.user_id = $2 AND t.org_id = $3
		ORDER BY t.created_at
		LIMIT 1
	`, creatorID, recipientID, orgID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("find direct thread: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_threads (id, org_id, created_at, updated_at) VALUES ($1, $2, $3, $3)
	`, threadID, orgID, now); err != nil {
		return "", fmt.Errorf("insert thread: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id, org_id, unread, role)
		SELECT $1, u.id, $2, FALSE, u.role FROM users u WHERE u.id IN ($3, $4) AND u.org_id = $2
	`, threadID, orgID, creatorID, recipientID)
	if err != nil {
		return "", fmt.Errorf("insert participants: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("insert participants: %w", err)
	} else if n != 2 {
		return "", ErrUnknownRecipient
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create thread: %w", err)
	}
	return threadID, nil
}

func (s *PostgresStore) MarkThreadRead(ctx context.Context, orgID, threadID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE thread_participants SET unread = FALSE
		WHERE thread_id = $1 AND user_id = $2 AND org_id = $3 AND unread
	`, threadID, userID, orgID)
	if err != nil {
		return fmt.Errorf("mark thread read: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, orgID, userID, notificationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND user_id = $2 AND org_id = $3
	`, notificationID, userID, orgID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = NOW()
		WHERE user_id = $1 AND org_id = $2 AND NOT is_read
	`, userID, orgID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}
