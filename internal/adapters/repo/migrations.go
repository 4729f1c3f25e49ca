package repo

// migration описывает миграцию схемы с целевой версией.
type migration struct {
	version int
	sql     string
}

// sqliteMigrations применяются по порядку, версии идут подряд с 1.
// Время хранится в микросекундах UTC, даты дайджеста — строкой ГГГГ-ММ-ДД.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	id         INTEGER PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	username   TEXT NOT NULL DEFAULT '',
	added_by   INTEGER NOT NULL DEFAULT 0,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id   INTEGER NOT NULL REFERENCES channels(id),
	external_id  INTEGER NOT NULL,
	text         TEXT NOT NULL,
	link         TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT 'bot',
	received_at  INTEGER NOT NULL,
	window_date  TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	duplicate_of INTEGER,
	created_at   INTEGER NOT NULL,
	UNIQUE (channel_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_window ON messages (received_at, id);
CREATE INDEX IF NOT EXISTS idx_messages_window_date ON messages (window_date);

CREATE TABLE IF NOT EXISTS message_fingerprints (
	window_date TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	message_id  INTEGER NOT NULL,
	PRIMARY KEY (window_date, fingerprint)
);

CREATE TABLE IF NOT EXISTS digests (
	digest_date   TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	compiled_text TEXT NOT NULL DEFAULT '',
	generation    INTEGER NOT NULL DEFAULT 1,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	compiled_at   INTEGER,
	delivered_at  INTEGER
);

CREATE TABLE IF NOT EXISTS subscribers (
	recipient_id  INTEGER PRIMARY KEY,
	username      TEXT NOT NULL DEFAULT '',
	active        INTEGER NOT NULL DEFAULT 1,
	subscribed_at INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS digest_deliveries (
	digest_date  TEXT NOT NULL,
	generation   INTEGER NOT NULL,
	recipient_id INTEGER NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (digest_date, generation, recipient_id)
);

CREATE TABLE IF NOT EXISTS mtproto_sessions (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// postgresMigrations повторяют схему для Postgres.
var postgresMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	id         BIGINT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	username   TEXT NOT NULL DEFAULT '',
	added_by   BIGINT NOT NULL DEFAULT 0,
	active     BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id           BIGSERIAL PRIMARY KEY,
	channel_id   BIGINT NOT NULL REFERENCES channels(id),
	external_id  BIGINT NOT NULL,
	text         TEXT NOT NULL,
	link         TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT 'bot',
	received_at  TIMESTAMPTZ NOT NULL,
	window_date  DATE NOT NULL,
	fingerprint  TEXT NOT NULL,
	duplicate_of BIGINT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (channel_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_window ON messages (received_at, id);
CREATE INDEX IF NOT EXISTS idx_messages_window_date ON messages (window_date);

CREATE TABLE IF NOT EXISTS message_fingerprints (
	window_date DATE NOT NULL,
	fingerprint TEXT NOT NULL,
	message_id  BIGINT NOT NULL,
	PRIMARY KEY (window_date, fingerprint)
);

CREATE TABLE IF NOT EXISTS digests (
	digest_date   DATE PRIMARY KEY,
	status        TEXT NOT NULL,
	compiled_text TEXT NOT NULL DEFAULT '',
	generation    INTEGER NOT NULL DEFAULT 1,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	compiled_at   TIMESTAMPTZ,
	delivered_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS subscribers (
	recipient_id  BIGINT PRIMARY KEY,
	username      TEXT NOT NULL DEFAULT '',
	active        BOOLEAN NOT NULL DEFAULT true,
	subscribed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS digest_deliveries (
	digest_date  DATE NOT NULL,
	generation   INTEGER NOT NULL,
	recipient_id BIGINT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (digest_date, generation, recipient_id)
);

CREATE TABLE IF NOT EXISTS mtproto_sessions (
	name       TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
