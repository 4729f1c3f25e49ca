package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
)

// SQLite реализует domain.Store поверх локального файла SQLite.
type SQLite struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ domain.Store = (*SQLite)(nil)

// OpenSQLite открывает (или создаёт) базу по пути dsn, включает WAL и внешние ключи
// и применяет миграции. ":memory:" подходит для тестов.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("открытие sqlite: %w", err)
	}
	// SQLite пишет в один поток; для :memory: каждое соединение было бы отдельной базой.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("миграции sqlite: %w", err)
	}
	return s, nil
}

// Close закрывает соединение.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) runMigrations() error {
	currentVersion := 0
	var tableCount int
	if err := s.db.Get(&tableCount, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return fmt.Errorf("проверка schema_version: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("чтение версии схемы: %w", err)
		}
	}
	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("миграция v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLite) observe(op, table string, start time.Time, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	metrics.ObserveNetworkRequest("sqlite", op, table, start, err)
}

func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func parseStoredDate(value string) time.Time {
	t, err := time.Parse(domain.DateLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

type sqliteChannel struct {
	ID        int64  `db:"id"`
	Title     string `db:"title"`
	Username  string `db:"username"`
	AddedBy   int64  `db:"added_by"`
	Active    bool   `db:"active"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r sqliteChannel) toDomain() domain.Channel {
	return domain.Channel{
		ID:        r.ID,
		Title:     r.Title,
		Username:  r.Username,
		AddedBy:   r.AddedBy,
		Active:    r.Active,
		CreatedAt: fromMicros(r.CreatedAt),
		UpdatedAt: fromMicros(r.UpdatedAt),
	}
}

const sqliteChannelColumns = `id, title, username, added_by, active, created_at, updated_at`

// UpsertChannel реализует domain.ChannelRepo.
func (s *SQLite) UpsertChannel(ctx context.Context, ch domain.Channel) (domain.Channel, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Channel{}, false, fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback()

	var wasActive sql.NullBool
	start := time.Now()
	err = tx.GetContext(ctx, &wasActive, `SELECT active FROM channels WHERE id = ?`, ch.ID)
	s.observe("channels_get", "channels", start, err)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, false, err
	}
	created := !wasActive.Valid || !wasActive.Bool

	now := micros(s.now())
	var row sqliteChannel
	start = time.Now()
	err = tx.GetContext(ctx, &row, `
INSERT INTO channels (id, title, username, added_by, active, created_at, updated_at)
VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE channels.title END,
	username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE channels.username END,
	added_by = CASE WHEN channels.active = 0 THEN excluded.added_by ELSE channels.added_by END,
	active = 1,
	updated_at = excluded.updated_at
RETURNING `+sqliteChannelColumns, ch.ID, ch.Title, strings.TrimPrefix(ch.Username, "@"), ch.AddedBy, now, now)
	s.observe("channels_upsert", "channels", start, err)
	if err != nil {
		return domain.Channel{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Channel{}, false, fmt.Errorf("коммит: %w", err)
	}
	return row.toDomain(), created, nil
}

// DeactivateChannel реализует domain.ChannelRepo.
func (s *SQLite) DeactivateChannel(ctx context.Context, channelID int64) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET active = 0, updated_at = ? WHERE id = ? AND active = 1`, micros(s.now()), channelID)
	s.observe("channels_deactivate", "channels", start, err)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetChannel реализует domain.ChannelRepo.
func (s *SQLite) GetChannel(ctx context.Context, channelID int64) (domain.Channel, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var row sqliteChannel
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteChannelColumns+` FROM channels WHERE id = ?`, channelID)
	s.observe("channels_get", "channels", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Channel{}, err
	}
	return row.toDomain(), nil
}

// ListChannels реализует domain.ChannelRepo.
func (s *SQLite) ListChannels(ctx context.Context, activeOnly bool) ([]domain.Channel, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	query := `SELECT ` + sqliteChannelColumns + ` FROM channels`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at, id`

	var rows []sqliteChannel
	start := time.Now()
	err := s.db.SelectContext(ctx, &rows, query)
	s.observe("channels_list", "channels", start, err)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Channel, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type sqliteMessage struct {
	ID          int64         `db:"id"`
	ChannelID   int64         `db:"channel_id"`
	ExternalID  int64         `db:"external_id"`
	Text        string        `db:"text"`
	Link        string        `db:"link"`
	Source      string        `db:"source"`
	ReceivedAt  int64         `db:"received_at"`
	WindowDate  string        `db:"window_date"`
	Fingerprint string        `db:"fingerprint"`
	DuplicateOf sql.NullInt64 `db:"duplicate_of"`
	CreatedAt   int64         `db:"created_at"`
}

func (r sqliteMessage) toDomain() domain.Message {
	msg := domain.Message{
		ID:          r.ID,
		ChannelID:   r.ChannelID,
		ExternalID:  r.ExternalID,
		Text:        r.Text,
		Link:        r.Link,
		Source:      domain.MessageSource(r.Source),
		ReceivedAt:  fromMicros(r.ReceivedAt),
		WindowDate:  parseStoredDate(r.WindowDate),
		Fingerprint: r.Fingerprint,
		CreatedAt:   fromMicros(r.CreatedAt),
	}
	if r.DuplicateOf.Valid {
		original := r.DuplicateOf.Int64
		msg.DuplicateOf = &original
	}
	return msg
}

const sqliteMessageColumns = `id, channel_id, external_id, text, link, source, received_at, window_date, fingerprint, duplicate_of, created_at`

// InsertMessage реализует domain.MessageRepo.
func (s *SQLite) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	source := msg.Source
	if source == "" {
		source = domain.SourceBot
	}
	var row sqliteMessage
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `
INSERT INTO messages (channel_id, external_id, text, link, source, received_at, window_date, fingerprint, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (channel_id, external_id) DO NOTHING
RETURNING `+sqliteMessageColumns,
		msg.ChannelID, msg.ExternalID, msg.Text, msg.Link, string(source),
		micros(msg.ReceivedAt), domain.FormatDate(msg.WindowDate), msg.Fingerprint, micros(s.now()))
	s.observe("messages_insert", "messages", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, domain.ErrDuplicateExternalID
	}
	if err != nil {
		return domain.Message{}, err
	}
	return row.toDomain(), nil
}

// MarkDuplicate реализует domain.MessageRepo.
func (s *SQLite) MarkDuplicate(ctx context.Context, messageID, originalID int64) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET duplicate_of = ? WHERE id = ?`, originalID, messageID)
	s.observe("messages_mark_duplicate", "messages", start, err)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteMessage реализует domain.MessageRepo.
func (s *SQLite) DeleteMessage(ctx context.Context, messageID int64) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback()

	start := time.Now()
	_, err = tx.ExecContext(ctx, `DELETE FROM message_fingerprints WHERE message_id = ?`, messageID)
	s.observe("fingerprints_delete", "message_fingerprints", start, err)
	if err != nil {
		return err
	}
	start = time.Now()
	_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID)
	s.observe("messages_delete", "messages", start, err)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("коммит: %w", err)
	}
	return nil
}

// GetMessage реализует domain.MessageRepo.
func (s *SQLite) GetMessage(ctx context.Context, messageID int64) (domain.Message, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var row sqliteMessage
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, messageID)
	s.observe("messages_get", "messages", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	return row.toDomain(), nil
}

// ListWindowPage реализует domain.MessageRepo.
func (s *SQLite) ListWindowPage(ctx context.Context, q domain.WindowQuery) ([]domain.Message, error) {
	if len(q.ChannelIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	query := `SELECT ` + sqliteMessageColumns + ` FROM messages
WHERE channel_id IN (?) AND duplicate_of IS NULL AND received_at >= ? AND received_at < ?`
	args := []any{q.ChannelIDs, micros(q.Since), micros(q.Until)}
	if q.AfterID > 0 {
		after := micros(q.AfterReceivedAt)
		query += ` AND (received_at > ? OR (received_at = ? AND id > ?))`
		args = append(args, after, after, q.AfterID)
	}
	query += ` ORDER BY received_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("подготовка запроса окна: %w", err)
	}

	var rows []sqliteMessage
	start := time.Now()
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...)
	s.observe("messages_window", "messages", start, err)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// PruneMessages реализует domain.MessageRepo: удаляет окна с датой раньше before.
func (s *SQLite) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	cutoff := domain.FormatDate(before)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback()

	start := time.Now()
	_, err = tx.ExecContext(ctx, `DELETE FROM message_fingerprints WHERE window_date < ?`, cutoff)
	s.observe("fingerprints_prune", "message_fingerprints", start, err)
	if err != nil {
		return 0, err
	}
	start = time.Now()
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE window_date < ?`, cutoff)
	s.observe("messages_prune", "messages", start, err)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("коммит: %w", err)
	}
	return removed, nil
}

// RegisterFingerprint реализует domain.FingerprintRegistry. Первичный ключ
// (window_date, fingerprint) гарантирует, что побеждает первая запись.
func (s *SQLite) RegisterFingerprint(ctx context.Context, window time.Time, fingerprint string, messageID int64) (int64, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	key := domain.FormatDate(window)
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO message_fingerprints (window_date, fingerprint, message_id)
VALUES (?, ?, ?)
ON CONFLICT (window_date, fingerprint) DO NOTHING`, key, fingerprint, messageID)
	s.observe("fingerprints_insert", "message_fingerprints", start, err)
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return messageID, true, nil
	}

	var firstID int64
	start = time.Now()
	err = s.db.GetContext(ctx, &firstID, `SELECT message_id FROM message_fingerprints WHERE window_date = ? AND fingerprint = ?`, key, fingerprint)
	s.observe("fingerprints_get", "message_fingerprints", start, err)
	if err != nil {
		return 0, false, err
	}
	return firstID, false, nil
}

type sqliteDigest struct {
	DigestDate   string        `db:"digest_date"`
	Status       string        `db:"status"`
	CompiledText string        `db:"compiled_text"`
	Generation   int           `db:"generation"`
	LastError    string        `db:"last_error"`
	CreatedAt    int64         `db:"created_at"`
	UpdatedAt    int64         `db:"updated_at"`
	CompiledAt   sql.NullInt64 `db:"compiled_at"`
	DeliveredAt  sql.NullInt64 `db:"delivered_at"`
}

func (r sqliteDigest) toDomain() domain.Digest {
	return domain.Digest{
		Date:        parseStoredDate(r.DigestDate),
		Status:      domain.DigestStatus(r.Status),
		Text:        r.CompiledText,
		Generation:  r.Generation,
		LastError:   r.LastError,
		CreatedAt:   fromMicros(r.CreatedAt),
		UpdatedAt:   fromMicros(r.UpdatedAt),
		CompiledAt:  fromNullMicros(r.CompiledAt),
		DeliveredAt: fromNullMicros(r.DeliveredAt),
	}
}

const sqliteDigestColumns = `digest_date, status, compiled_text, generation, last_error, created_at, updated_at, compiled_at, delivered_at`

// CreatePendingDigest реализует domain.DigestRepo.
func (s *SQLite) CreatePendingDigest(ctx context.Context, date time.Time) (domain.Digest, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	now := micros(s.now())
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO digests (digest_date, status, generation, created_at, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT (digest_date) DO NOTHING`, domain.FormatDate(date), string(domain.DigestPending), now, now)
	s.observe("digests_create", "digests", start, err)
	if err != nil {
		return domain.Digest{}, false, err
	}
	created, _ := res.RowsAffected()
	d, err := s.GetDigest(ctx, date)
	if err != nil {
		return domain.Digest{}, false, err
	}
	return d, created > 0, nil
}

// GetDigest реализует domain.DigestRepo.
func (s *SQLite) GetDigest(ctx context.Context, date time.Time) (domain.Digest, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var row sqliteDigest
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteDigestColumns+` FROM digests WHERE digest_date = ?`, domain.FormatDate(date))
	s.observe("digests_get", "digests", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Digest{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Digest{}, err
	}
	return row.toDomain(), nil
}

// LatestDigest реализует domain.DigestRepo.
func (s *SQLite) LatestDigest(ctx context.Context) (domain.Digest, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var row sqliteDigest
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteDigestColumns+` FROM digests WHERE compiled_text <> '' ORDER BY digest_date DESC LIMIT 1`)
	s.observe("digests_latest", "digests", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Digest{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Digest{}, err
	}
	return row.toDomain(), nil
}

// RestartDigest реализует domain.DigestRepo.
func (s *SQLite) RestartDigest(ctx context.Context, date time.Time) (domain.Digest, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	now := micros(s.now())
	var row sqliteDigest
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `
INSERT INTO digests (digest_date, status, generation, created_at, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT (digest_date) DO UPDATE SET
	status = excluded.status,
	generation = digests.generation + 1,
	last_error = '',
	updated_at = excluded.updated_at
RETURNING `+sqliteDigestColumns, domain.FormatDate(date), string(domain.DigestPending), now, now)
	s.observe("digests_restart", "digests", start, err)
	if err != nil {
		return domain.Digest{}, err
	}
	return row.toDomain(), nil
}

// TakeOverDigest реализует domain.DigestRepo.
func (s *SQLite) TakeOverDigest(ctx context.Context, date time.Time, generation int) (domain.Digest, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var row sqliteDigest
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `
UPDATE digests SET generation = generation + 1, updated_at = ?
WHERE digest_date = ? AND generation = ? AND status = ?
RETURNING `+sqliteDigestColumns, micros(s.now()), domain.FormatDate(date), generation, string(domain.DigestPending))
	s.observe("digests_take_over", "digests", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Digest{}, false, nil
	}
	if err != nil {
		return domain.Digest{}, false, err
	}
	return row.toDomain(), true, nil
}

// TransitionDigest реализует domain.DigestRepo.
func (s *SQLite) TransitionDigest(ctx context.Context, t domain.DigestTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, domain.ErrInvalidTransition
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	from := make([]string, 0, len(t.From))
	for _, st := range t.From {
		from = append(from, string(st))
	}
	now := micros(s.now())
	var text sql.NullString
	if t.Text != nil {
		text = sql.NullString{String: *t.Text, Valid: true}
	}

	query, args, err := sqlx.In(`
UPDATE digests SET
	status = ?,
	compiled_text = COALESCE(?, compiled_text),
	last_error = ?,
	updated_at = ?,
	compiled_at = CASE WHEN ? = 'compiled' THEN ? ELSE compiled_at END,
	delivered_at = CASE WHEN ? = 'delivered' THEN ? ELSE delivered_at END
WHERE digest_date = ? AND generation = ? AND status IN (?)`,
		string(t.To), text, t.LastError, now,
		string(t.To), now,
		string(t.To), now,
		domain.FormatDate(t.Date), t.Generation, from)
	if err != nil {
		return false, fmt.Errorf("подготовка перехода: %w", err)
	}
	start := time.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	s.observe("digests_transition", "digests", start, err)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type sqliteSubscriber struct {
	RecipientID  int64  `db:"recipient_id"`
	Username     string `db:"username"`
	Active       bool   `db:"active"`
	SubscribedAt int64  `db:"subscribed_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r sqliteSubscriber) toDomain() domain.Subscriber {
	return domain.Subscriber{
		RecipientID:  r.RecipientID,
		Username:     r.Username,
		Active:       r.Active,
		SubscribedAt: fromMicros(r.SubscribedAt),
		UpdatedAt:    fromMicros(r.UpdatedAt),
	}
}

const sqliteSubscriberColumns = `recipient_id, username, active, subscribed_at, updated_at`

// UpsertSubscriber реализует domain.SubscriberRepo. Повторная подписка активного
// получателя не меняет дату подписки.
func (s *SQLite) UpsertSubscriber(ctx context.Context, recipientID int64, username string) (domain.Subscriber, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	now := micros(s.now())
	var row sqliteSubscriber
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `
INSERT INTO subscribers (recipient_id, username, active, subscribed_at, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT (recipient_id) DO UPDATE SET
	username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE subscribers.username END,
	subscribed_at = CASE WHEN subscribers.active = 1 THEN subscribers.subscribed_at ELSE excluded.subscribed_at END,
	active = 1,
	updated_at = excluded.updated_at
RETURNING `+sqliteSubscriberColumns, recipientID, username, now, now)
	s.observe("subscribers_upsert", "subscribers", start, err)
	if err != nil {
		return domain.Subscriber{}, err
	}
	return row.toDomain(), nil
}

// DeactivateSubscriber реализует domain.SubscriberRepo.
func (s *SQLite) DeactivateSubscriber(ctx context.Context, recipientID int64) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE subscribers SET active = 0, updated_at = ? WHERE recipient_id = ? AND active = 1`, micros(s.now()), recipientID)
	s.observe("subscribers_deactivate", "subscribers", start, err)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetSubscriber реализует domain.SubscriberRepo.
func (s *SQLite) GetSubscriber(ctx context.Context, recipientID int64) (domain.Subscriber, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var row sqliteSubscriber
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteSubscriberColumns+` FROM subscribers WHERE recipient_id = ?`, recipientID)
	s.observe("subscribers_get", "subscribers", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscriber{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Subscriber{}, err
	}
	return row.toDomain(), nil
}

// ListSubscribers реализует domain.SubscriberRepo.
func (s *SQLite) ListSubscribers(ctx context.Context) ([]domain.Subscriber, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var rows []sqliteSubscriber
	start := time.Now()
	err := s.db.SelectContext(ctx, &rows, `SELECT `+sqliteSubscriberColumns+` FROM subscribers ORDER BY subscribed_at, recipient_id`)
	s.observe("subscribers_list", "subscribers", start, err)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ListActiveSubscribers реализует domain.SubscriberRepo.
func (s *SQLite) ListActiveSubscribers(ctx context.Context) ([]int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var ids []int64
	start := time.Now()
	err := s.db.SelectContext(ctx, &ids, `SELECT recipient_id FROM subscribers WHERE active = 1 ORDER BY subscribed_at, recipient_id`)
	s.observe("subscribers_list_active", "subscribers", start, err)
	return ids, err
}

type sqliteDelivery struct {
	DigestDate  string `db:"digest_date"`
	Generation  int    `db:"generation"`
	RecipientID int64  `db:"recipient_id"`
	Status      string `db:"status"`
	Attempts    int    `db:"attempts"`
	LastError   string `db:"last_error"`
	UpdatedAt   int64  `db:"updated_at"`
}

func (r sqliteDelivery) toDomain() domain.DeliveryRecord {
	return domain.DeliveryRecord{
		Date:        parseStoredDate(r.DigestDate),
		Generation:  r.Generation,
		RecipientID: r.RecipientID,
		Status:      domain.DeliveryStatus(r.Status),
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		UpdatedAt:   fromMicros(r.UpdatedAt),
	}
}

const sqliteDeliveryColumns = `digest_date, generation, recipient_id, status, attempts, last_error, updated_at`

// ClaimDelivery реализует domain.DeliveryRepo.
func (s *SQLite) ClaimDelivery(ctx context.Context, date time.Time, generation int, recipientID int64) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO digest_deliveries (digest_date, generation, recipient_id, status, attempts, updated_at)
VALUES (?, ?, ?, ?, 0, ?)
ON CONFLICT (digest_date, generation, recipient_id) DO NOTHING`,
		domain.FormatDate(date), generation, recipientID, string(domain.DeliverySending), micros(s.now()))
	s.observe("deliveries_claim", "digest_deliveries", start, err)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateDelivery реализует domain.DeliveryRepo.
func (s *SQLite) UpdateDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
UPDATE digest_deliveries SET status = ?, attempts = ?, last_error = ?, updated_at = ?
WHERE digest_date = ? AND generation = ? AND recipient_id = ?`,
		string(rec.Status), rec.Attempts, rec.LastError, micros(s.now()),
		domain.FormatDate(rec.Date), rec.Generation, rec.RecipientID)
	s.observe("deliveries_update", "digest_deliveries", start, err)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetDelivery реализует domain.DeliveryRepo.
func (s *SQLite) GetDelivery(ctx context.Context, date time.Time, generation int, recipientID int64) (domain.DeliveryRecord, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var row sqliteDelivery
	start := time.Now()
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteDeliveryColumns+` FROM digest_deliveries
WHERE digest_date = ? AND generation = ? AND recipient_id = ?`, domain.FormatDate(date), generation, recipientID)
	s.observe("deliveries_get", "digest_deliveries", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.DeliveryRecord{}, err
	}
	return row.toDomain(), nil
}

// ListDeliveries реализует domain.DeliveryRepo.
func (s *SQLite) ListDeliveries(ctx context.Context, date time.Time, generation int) ([]domain.DeliveryRecord, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var rows []sqliteDelivery
	start := time.Now()
	err := s.db.SelectContext(ctx, &rows, `SELECT `+sqliteDeliveryColumns+` FROM digest_deliveries
WHERE digest_date = ? AND generation = ? ORDER BY recipient_id`, domain.FormatDate(date), generation)
	s.observe("deliveries_list", "digest_deliveries", start, err)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DeliveryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// LoadMTProtoSession реализует domain.SessionRepo.
func (s *SQLite) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}
	var data []byte
	start := time.Now()
	err := s.db.GetContext(ctx, &data, `SELECT data FROM mtproto_sessions WHERE name = ?`, name)
	s.observe("mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession реализует domain.SessionRepo.
func (s *SQLite) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}
	tmp := make([]byte, len(data))
	copy(tmp, data)
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, name, tmp, micros(s.now()))
	s.observe("mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
