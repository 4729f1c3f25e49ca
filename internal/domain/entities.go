package domain

import "time"

// MessageSource обозначает транспорт, через который пришло сообщение.
type MessageSource string

const (
	// SourceBot: сообщение получено через Bot API (пересылка или channel_post).
	SourceBot MessageSource = "bot"
	// SourceUserbot: сообщение выгружено пользовательской MTProto-сессией.
	SourceUserbot MessageSource = "userbot"
	// SourceAPI: сообщение пришло через HTTP API.
	SourceAPI MessageSource = "api"
)

// Channel описывает канал-источник.
type Channel struct {
	ID        int64
	Title     string
	Username  string
	AddedBy   int64
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName возвращает название канала для вывода.
func (c Channel) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	if c.Username != "" {
		return "@" + c.Username
	}
	return "канал"
}

// InboundMessage описывает сообщение от транспорта до нормализации.
type InboundMessage struct {
	ChannelID  int64
	ExternalID int64
	Text       string
	ReceivedAt time.Time
	Link       string
	Source     MessageSource
}

// Message представляет нормализованное сообщение в хранилище.
type Message struct {
	ID          int64
	ChannelID   int64
	ExternalID  int64
	Text        string
	Link        string
	Source      MessageSource
	ReceivedAt  time.Time
	WindowDate  time.Time
	Fingerprint string
	DuplicateOf *int64
	CreatedAt   time.Time
}

// IsDuplicate сообщает, что сообщение исключено из дайджеста как повтор.
func (m Message) IsDuplicate() bool {
	return m.DuplicateOf != nil
}

// Digest представляет дайджест за календарную дату.
type Digest struct {
	Date        time.Time
	Status      DigestStatus
	Text        string
	Generation  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompiledAt  *time.Time
	DeliveredAt *time.Time
}

// Subscriber описывает получателя ежедневного дайджеста.
type Subscriber struct {
	RecipientID  int64
	Username     string
	Active       bool
	SubscribedAt time.Time
	UpdatedAt    time.Time
}

// DeliveryStatus описывает состояние доставки одному получателю.
type DeliveryStatus string

const (
	DeliverySending  DeliveryStatus = "sending"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliveryFailed   DeliveryStatus = "failed"
)

// DeliveryRecord хранит результат рассылки дайджеста одному получателю.
type DeliveryRecord struct {
	Date        time.Time
	Generation  int
	RecipientID int64
	Status      DeliveryStatus
	Attempts    int
	LastError   string
	UpdatedAt   time.Time
}

// DeliveryReport агрегирует итоги рассылки.
type DeliveryReport struct {
	Date       time.Time
	Generation int
	Total      int
	Sent       int
	Queued     int
	Failed     int
	Skipped    int
}

// Partial сообщает, что часть получателей не получила дайджест с первой попытки.
func (r DeliveryReport) Partial() bool {
	return r.Queued > 0 || r.Failed > 0
}
