package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close закрывает пул.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Migrate применяет недостающие миграции схемы.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT to_regclass('schema_version') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("проверка schema_version: %w", err)
	}
	current := 0
	if exists {
		if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
			return fmt.Errorf("чтение версии схемы: %w", err)
		}
	}
	for _, m := range postgresMigrations {
		if m.version <= current {
			continue
		}
		start := time.Now()
		_, err := p.pool.Exec(ctx, m.sql)
		metrics.ObserveNetworkRequest("postgres", "migrate", "schema_version", start, err)
		if err != nil {
			return fmt.Errorf("миграция v%d: %w", m.version, err)
		}
	}
	return nil
}

func observePG(op, table string, start time.Time, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
	}
	metrics.ObserveNetworkRequest("postgres", op, table, start, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const pgChannelColumns = `id, title, username, added_by, active, created_at, updated_at`

func scanChannel(row pgx.Row) (domain.Channel, error) {
	var ch domain.Channel
	err := row.Scan(&ch.ID, &ch.Title, &ch.Username, &ch.AddedBy, &ch.Active, &ch.CreatedAt, &ch.UpdatedAt)
	return ch, err
}

// UpsertChannel реализует domain.ChannelRepo.
func (p *Postgres) UpsertChannel(ctx context.Context, ch domain.Channel) (domain.Channel, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "channels", start, err)
	if err != nil {
		return domain.Channel{}, false, err
	}
	defer tx.Rollback(ctx)

	var wasActive *bool
	start = time.Now()
	err = tx.QueryRow(ctx, `SELECT active FROM channels WHERE id = $1 FOR UPDATE`, ch.ID).Scan(&wasActive)
	observePG("channels_get", "channels", start, err)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, false, err
	}
	created := wasActive == nil || !*wasActive

	start = time.Now()
	stored, err := scanChannel(tx.QueryRow(ctx, `
INSERT INTO channels (id, title, username, added_by, active)
VALUES ($1, $2, $3, $4, true)
ON CONFLICT (id) DO UPDATE SET
	title = COALESCE(NULLIF(EXCLUDED.title, ''), channels.title),
	username = COALESCE(NULLIF(EXCLUDED.username, ''), channels.username),
	added_by = CASE WHEN channels.active THEN channels.added_by ELSE EXCLUDED.added_by END,
	active = true,
	updated_at = now()
RETURNING `+pgChannelColumns, ch.ID, ch.Title, strings.TrimPrefix(ch.Username, "@"), ch.AddedBy))
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "channels", start, err)
	if err != nil {
		return domain.Channel{}, false, err
	}
	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "channels", start, err)
	if err != nil {
		return domain.Channel{}, false, err
	}
	return stored, created, nil
}

// DeactivateChannel реализует domain.ChannelRepo.
func (p *Postgres) DeactivateChannel(ctx context.Context, channelID int64) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE channels SET active = false, updated_at = now() WHERE id = $1 AND active`, channelID)
	metrics.ObserveNetworkRequest("postgres", "channels_deactivate", "channels", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetChannel реализует domain.ChannelRepo.
func (p *Postgres) GetChannel(ctx context.Context, channelID int64) (domain.Channel, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	ch, err := scanChannel(p.pool.QueryRow(ctx, `SELECT `+pgChannelColumns+` FROM channels WHERE id = $1`, channelID))
	observePG("channels_get", "channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrNotFound
	}
	return ch, err
}

// ListChannels реализует domain.ChannelRepo.
func (p *Postgres) ListChannels(ctx context.Context, activeOnly bool) ([]domain.Channel, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+pgChannelColumns+` FROM channels WHERE active OR NOT $1 ORDER BY created_at, id`, activeOnly)
	metrics.ObserveNetworkRequest("postgres", "channels_list", "channels", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

const pgMessageColumns = `id, channel_id, external_id, text, link, source, received_at, window_date, fingerprint, duplicate_of, created_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		msg    domain.Message
		source string
	)
	err := row.Scan(&msg.ID, &msg.ChannelID, &msg.ExternalID, &msg.Text, &msg.Link, &source,
		&msg.ReceivedAt, &msg.WindowDate, &msg.Fingerprint, &msg.DuplicateOf, &msg.CreatedAt)
	msg.Source = domain.MessageSource(source)
	msg.ReceivedAt = msg.ReceivedAt.UTC()
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, err
}

// InsertMessage реализует domain.MessageRepo.
func (p *Postgres) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	source := msg.Source
	if source == "" {
		source = domain.SourceBot
	}
	start := time.Now()
	stored, err := scanMessage(p.pool.QueryRow(ctx, `
INSERT INTO messages (channel_id, external_id, text, link, source, received_at, window_date, fingerprint)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (channel_id, external_id) DO NOTHING
RETURNING `+pgMessageColumns,
		msg.ChannelID, msg.ExternalID, msg.Text, msg.Link, string(source), msg.ReceivedAt.UTC(), msg.WindowDate, msg.Fingerprint))
	observePG("messages_insert", "messages", start, err)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return domain.Message{}, domain.ErrDuplicateExternalID
	}
	return stored, err
}

// MarkDuplicate реализует domain.MessageRepo.
func (p *Postgres) MarkDuplicate(ctx context.Context, messageID, originalID int64) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE messages SET duplicate_of = $2 WHERE id = $1`, messageID, originalID)
	metrics.ObserveNetworkRequest("postgres", "messages_mark_duplicate", "messages", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteMessage реализует domain.MessageRepo.
func (p *Postgres) DeleteMessage(ctx context.Context, messageID int64) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "messages", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM message_fingerprints WHERE message_id = $1`, messageID)
	metrics.ObserveNetworkRequest("postgres", "fingerprints_delete", "message_fingerprints", start, err)
	if err != nil {
		return err
	}
	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID)
	metrics.ObserveNetworkRequest("postgres", "messages_delete", "messages", start, err)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetMessage реализует domain.MessageRepo.
func (p *Postgres) GetMessage(ctx context.Context, messageID int64) (domain.Message, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	msg, err := scanMessage(p.pool.QueryRow(ctx, `SELECT `+pgMessageColumns+` FROM messages WHERE id = $1`, messageID))
	observePG("messages_get", "messages", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, err
}

// ListWindowPage реализует domain.MessageRepo.
func (p *Postgres) ListWindowPage(ctx context.Context, q domain.WindowQuery) ([]domain.Message, error) {
	if len(q.ChannelIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+pgMessageColumns+` FROM messages
WHERE channel_id = ANY($1) AND duplicate_of IS NULL
  AND received_at >= $2 AND received_at < $3
  AND ($5 = 0 OR received_at > $4 OR (received_at = $4 AND id > $5))
ORDER BY received_at, id
LIMIT $6`, q.ChannelIDs, q.Since.UTC(), q.Until.UTC(), q.AfterReceivedAt.UTC(), q.AfterID, limit)
	metrics.ObserveNetworkRequest("postgres", "messages_window", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// PruneMessages реализует domain.MessageRepo.
func (p *Postgres) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "messages", start, err)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `DELETE FROM message_fingerprints WHERE window_date < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "fingerprints_prune", "message_fingerprints", start, err)
	if err != nil {
		return 0, err
	}
	start = time.Now()
	tag, err := tx.Exec(ctx, `DELETE FROM messages WHERE window_date < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "messages_prune", "messages", start, err)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RegisterFingerprint реализует domain.FingerprintRegistry.
func (p *Postgres) RegisterFingerprint(ctx context.Context, window time.Time, fingerprint string, messageID int64) (int64, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO message_fingerprints (window_date, fingerprint, message_id)
VALUES ($1, $2, $3)
ON CONFLICT (window_date, fingerprint) DO NOTHING`, window, fingerprint, messageID)
	metrics.ObserveNetworkRequest("postgres", "fingerprints_insert", "message_fingerprints", start, err)
	if err != nil {
		return 0, false, err
	}
	if tag.RowsAffected() > 0 {
		return messageID, true, nil
	}
	var firstID int64
	start = time.Now()
	err = p.pool.QueryRow(ctx, `SELECT message_id FROM message_fingerprints WHERE window_date = $1 AND fingerprint = $2`, window, fingerprint).Scan(&firstID)
	observePG("fingerprints_get", "message_fingerprints", start, err)
	if err != nil {
		return 0, false, err
	}
	return firstID, false, nil
}

const pgDigestColumns = `digest_date, status, compiled_text, generation, last_error, created_at, updated_at, compiled_at, delivered_at`

func scanDigest(row pgx.Row) (domain.Digest, error) {
	var (
		d      domain.Digest
		status string
	)
	err := row.Scan(&d.Date, &status, &d.Text, &d.Generation, &d.LastError, &d.CreatedAt, &d.UpdatedAt, &d.CompiledAt, &d.DeliveredAt)
	d.Status = domain.DigestStatus(status)
	return d, err
}

// CreatePendingDigest реализует domain.DigestRepo.
func (p *Postgres) CreatePendingDigest(ctx context.Context, date time.Time) (domain.Digest, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO digests (digest_date, status, generation)
VALUES ($1, $2, 1)
ON CONFLICT (digest_date) DO NOTHING`, date, string(domain.DigestPending))
	metrics.ObserveNetworkRequest("postgres", "digests_create", "digests", start, err)
	if err != nil {
		return domain.Digest{}, false, err
	}
	d, err := p.GetDigest(ctx, date)
	if err != nil {
		return domain.Digest{}, false, err
	}
	return d, tag.RowsAffected() > 0, nil
}

// GetDigest реализует domain.DigestRepo.
func (p *Postgres) GetDigest(ctx context.Context, date time.Time) (domain.Digest, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	d, err := scanDigest(p.pool.QueryRow(ctx, `SELECT `+pgDigestColumns+` FROM digests WHERE digest_date = $1`, date))
	observePG("digests_get", "digests", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Digest{}, domain.ErrNotFound
	}
	return d, err
}

// LatestDigest реализует domain.DigestRepo.
func (p *Postgres) LatestDigest(ctx context.Context) (domain.Digest, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	d, err := scanDigest(p.pool.QueryRow(ctx, `SELECT `+pgDigestColumns+` FROM digests WHERE compiled_text <> '' ORDER BY digest_date DESC LIMIT 1`))
	observePG("digests_latest", "digests", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Digest{}, domain.ErrNotFound
	}
	return d, err
}

// RestartDigest реализует domain.DigestRepo.
func (p *Postgres) RestartDigest(ctx context.Context, date time.Time) (domain.Digest, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	d, err := scanDigest(p.pool.QueryRow(ctx, `
INSERT INTO digests (digest_date, status, generation)
VALUES ($1, $2, 1)
ON CONFLICT (digest_date) DO UPDATE SET
	status = EXCLUDED.status,
	generation = digests.generation + 1,
	last_error = '',
	updated_at = now()
RETURNING `+pgDigestColumns, date, string(domain.DigestPending)))
	metrics.ObserveNetworkRequest("postgres", "digests_restart", "digests", start, err)
	return d, err
}

// TakeOverDigest реализует domain.DigestRepo.
func (p *Postgres) TakeOverDigest(ctx context.Context, date time.Time, generation int) (domain.Digest, bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	d, err := scanDigest(p.pool.QueryRow(ctx, `
UPDATE digests SET generation = generation + 1, updated_at = now()
WHERE digest_date = $1 AND generation = $2 AND status = $3
RETURNING `+pgDigestColumns, date, generation, string(domain.DigestPending)))
	observePG("digests_take_over", "digests", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Digest{}, false, nil
	}
	if err != nil {
		return domain.Digest{}, false, err
	}
	return d, true, nil
}

// TransitionDigest реализует domain.DigestRepo.
func (p *Postgres) TransitionDigest(ctx context.Context, t domain.DigestTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, domain.ErrInvalidTransition
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	from := make([]string, 0, len(t.From))
	for _, st := range t.From {
		from = append(from, string(st))
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE digests SET
	status = $4,
	compiled_text = COALESCE($5, compiled_text),
	last_error = $6,
	updated_at = now(),
	compiled_at = CASE WHEN $4 = 'compiled' THEN now() ELSE compiled_at END,
	delivered_at = CASE WHEN $4 = 'delivered' THEN now() ELSE delivered_at END
WHERE digest_date = $1 AND generation = $2 AND status = ANY($3)`,
		t.Date, t.Generation, from, string(t.To), t.Text, t.LastError)
	metrics.ObserveNetworkRequest("postgres", "digests_transition", "digests", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const pgSubscriberColumns = `recipient_id, username, active, subscribed_at, updated_at`

func scanSubscriber(row pgx.Row) (domain.Subscriber, error) {
	var s domain.Subscriber
	err := row.Scan(&s.RecipientID, &s.Username, &s.Active, &s.SubscribedAt, &s.UpdatedAt)
	return s, err
}

// UpsertSubscriber реализует domain.SubscriberRepo.
func (p *Postgres) UpsertSubscriber(ctx context.Context, recipientID int64, username string) (domain.Subscriber, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	s, err := scanSubscriber(p.pool.QueryRow(ctx, `
INSERT INTO subscribers (recipient_id, username, active)
VALUES ($1, $2, true)
ON CONFLICT (recipient_id) DO UPDATE SET
	username = COALESCE(NULLIF(EXCLUDED.username, ''), subscribers.username),
	subscribed_at = CASE WHEN subscribers.active THEN subscribers.subscribed_at ELSE now() END,
	active = true,
	updated_at = now()
RETURNING `+pgSubscriberColumns, recipientID, username))
	metrics.ObserveNetworkRequest("postgres", "subscribers_upsert", "subscribers", start, err)
	return s, err
}

// DeactivateSubscriber реализует domain.SubscriberRepo.
func (p *Postgres) DeactivateSubscriber(ctx context.Context, recipientID int64) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE subscribers SET active = false, updated_at = now() WHERE recipient_id = $1 AND active`, recipientID)
	metrics.ObserveNetworkRequest("postgres", "subscribers_deactivate", "subscribers", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetSubscriber реализует domain.SubscriberRepo.
func (p *Postgres) GetSubscriber(ctx context.Context, recipientID int64) (domain.Subscriber, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	s, err := scanSubscriber(p.pool.QueryRow(ctx, `SELECT `+pgSubscriberColumns+` FROM subscribers WHERE recipient_id = $1`, recipientID))
	observePG("subscribers_get", "subscribers", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Subscriber{}, domain.ErrNotFound
	}
	return s, err
}

// ListSubscribers реализует domain.SubscriberRepo.
func (p *Postgres) ListSubscribers(ctx context.Context) ([]domain.Subscriber, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+pgSubscriberColumns+` FROM subscribers ORDER BY subscribed_at, recipient_id`)
	metrics.ObserveNetworkRequest("postgres", "subscribers_list", "subscribers", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActiveSubscribers реализует domain.SubscriberRepo.
func (p *Postgres) ListActiveSubscribers(ctx context.Context) ([]int64, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT recipient_id FROM subscribers WHERE active ORDER BY subscribed_at, recipient_id`)
	metrics.ObserveNetworkRequest("postgres", "subscribers_list_active", "subscribers", start, err)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

const pgDeliveryColumns = `digest_date, generation, recipient_id, status, attempts, last_error, updated_at`

func scanDelivery(row pgx.Row) (domain.DeliveryRecord, error) {
	var (
		rec    domain.DeliveryRecord
		status string
	)
	err := row.Scan(&rec.Date, &rec.Generation, &rec.RecipientID, &status, &rec.Attempts, &rec.LastError, &rec.UpdatedAt)
	rec.Status = domain.DeliveryStatus(status)
	return rec, err
}

// ClaimDelivery реализует domain.DeliveryRepo.
func (p *Postgres) ClaimDelivery(ctx context.Context, date time.Time, generation int, recipientID int64) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO digest_deliveries (digest_date, generation, recipient_id, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (digest_date, generation, recipient_id) DO NOTHING`, date, generation, recipientID, string(domain.DeliverySending))
	metrics.ObserveNetworkRequest("postgres", "deliveries_claim", "digest_deliveries", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateDelivery реализует domain.DeliveryRepo.
func (p *Postgres) UpdateDelivery(ctx context.Context, rec domain.DeliveryRecord) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE digest_deliveries SET status = $4, attempts = $5, last_error = $6, updated_at = now()
WHERE digest_date = $1 AND generation = $2 AND recipient_id = $3`,
		rec.Date, rec.Generation, rec.RecipientID, string(rec.Status), rec.Attempts, rec.LastError)
	metrics.ObserveNetworkRequest("postgres", "deliveries_update", "digest_deliveries", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetDelivery реализует domain.DeliveryRepo.
func (p *Postgres) GetDelivery(ctx context.Context, date time.Time, generation int, recipientID int64) (domain.DeliveryRecord, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	rec, err := scanDelivery(p.pool.QueryRow(ctx, `SELECT `+pgDeliveryColumns+` FROM digest_deliveries
WHERE digest_date = $1 AND generation = $2 AND recipient_id = $3`, date, generation, recipientID))
	observePG("deliveries_get", "digest_deliveries", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DeliveryRecord{}, domain.ErrNotFound
	}
	return rec, err
}

// ListDeliveries реализует domain.DeliveryRepo.
func (p *Postgres) ListDeliveries(ctx context.Context, date time.Time, generation int) ([]domain.DeliveryRecord, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+pgDeliveryColumns+` FROM digest_deliveries
WHERE digest_date = $1 AND generation = $2 ORDER BY recipient_id`, date, generation)
	metrics.ObserveNetworkRequest("postgres", "deliveries_list", "digest_deliveries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	observePG("mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}
