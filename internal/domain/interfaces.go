package domain

import (
	"context"
	"time"
)

// ChannelRepo управляет каналами-источниками.
type ChannelRepo interface {
	// UpsertChannel создаёт канал или снова активирует удалённый.
	// Второе значение true, если канал раньше не отслеживался.
	UpsertChannel(ctx context.Context, ch Channel) (Channel, bool, error)
	DeactivateChannel(ctx context.Context, channelID int64) (bool, error)
	GetChannel(ctx context.Context, channelID int64) (Channel, error)
	ListChannels(ctx context.Context, activeOnly bool) ([]Channel, error)
}

// WindowQuery описывает страницу выборки окна дайджеста.
// Курсор (AfterReceivedAt, AfterID) исключает уже прочитанные строки.
type WindowQuery struct {
	ChannelIDs      []int64
	Since           time.Time
	Until           time.Time
	AfterReceivedAt time.Time
	AfterID         int64
	Limit           int
}

// MessageRepo хранит нормализованные сообщения.
type MessageRepo interface {
	// InsertMessage сохраняет сообщение и возвращает ErrDuplicateExternalID,
	// если пара (channel_id, external_id) уже есть.
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	MarkDuplicate(ctx context.Context, messageID, originalID int64) error
	// DeleteMessage удаляет сообщение вместе с отпечатками, которые на него ссылаются.
	DeleteMessage(ctx context.Context, messageID int64) error
	GetMessage(ctx context.Context, messageID int64) (Message, error)
	// ListWindowPage возвращает неповторяющиеся сообщения по возрастанию received_at.
	ListWindowPage(ctx context.Context, q WindowQuery) ([]Message, error)
	PruneMessages(ctx context.Context, before time.Time) (int64, error)
}

// FingerprintRegistry регистрирует отпечатки содержимого в окне дайджеста.
type FingerprintRegistry interface {
	// RegisterFingerprint атомарно регистрирует отпечаток. Если он уже есть в окне,
	// возвращает id первого сообщения и created=false.
	RegisterFingerprint(ctx context.Context, window time.Time, fingerprint string, messageID int64) (firstID int64, created bool, err error)
}

// DigestTransition описывает условный переход статуса (compare-and-swap).
type DigestTransition struct {
	Date       time.Time
	Generation int
	From       []DigestStatus
	To         DigestStatus
	Text       *string
	LastError  string
}

// DigestRepo хранит дайджесты, по одному на дату.
type DigestRepo interface {
	// CreatePendingDigest создаёт pending-дайджест; если дата уже есть, возвращает
	// существующую запись и false.
	CreatePendingDigest(ctx context.Context, date time.Time) (Digest, bool, error)
	GetDigest(ctx context.Context, date time.Time) (Digest, error)
	// LatestDigest возвращает последний дайджест с собранным текстом.
	LatestDigest(ctx context.Context) (Digest, error)
	// RestartDigest переводит дату в pending со следующим поколением.
	RestartDigest(ctx context.Context, date time.Time) (Digest, error)
	// TakeOverDigest перезапускает зависший pending, если поколение не менялось.
	TakeOverDigest(ctx context.Context, date time.Time, generation int) (Digest, bool, error)
	// TransitionDigest применяет переход, только если поколение и статус совпали.
	TransitionDigest(ctx context.Context, t DigestTransition) (bool, error)
}

// SubscriberRepo хранит подписчиков.
type SubscriberRepo interface {
	UpsertSubscriber(ctx context.Context, recipientID int64, username string) (Subscriber, error)
	DeactivateSubscriber(ctx context.Context, recipientID int64) (bool, error)
	GetSubscriber(ctx context.Context, recipientID int64) (Subscriber, error)
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
	ListActiveSubscribers(ctx context.Context) ([]int64, error)
}

// DeliveryRepo хранит состояние рассылки по получателям.
type DeliveryRepo interface {
	// ClaimDelivery закрепляет получателя за поколением дайджеста.
	// false означает, что получатель уже обработан в этом поколении.
	ClaimDelivery(ctx context.Context, date time.Time, generation int, recipientID int64) (bool, error)
	UpdateDelivery(ctx context.Context, rec DeliveryRecord) error
	GetDelivery(ctx context.Context, date time.Time, generation int, recipientID int64) (DeliveryRecord, error)
	ListDeliveries(ctx context.Context, date time.Time, generation int) ([]DeliveryRecord, error)
}

// SessionRepo хранит MTProto-сессии.
type SessionRepo interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// Store объединяет все репозитории одного хранилища.
type Store interface {
	ChannelRepo
	MessageRepo
	FingerprintRegistry
	DigestRepo
	SubscriberRepo
	DeliveryRepo
	SessionRepo
	Close() error
}

// SummaryKind различает вызовы суммаризации.
type SummaryKind string

const (
	// SummaryChunk: суммаризация пачки сообщений.
	SummaryChunk SummaryKind = "chunk"
	// SummaryCombine: объединение промежуточных сводок.
	SummaryCombine SummaryKind = "combine"
)

// StyleHint задаёт режим и стиль суммаризации.
type StyleHint struct {
	Kind  SummaryKind
	Date  time.Time
	Style string
}

// Summarizer сжимает упорядоченную пачку текстов.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string, hint StyleHint) (string, error)
}

// Sender отправляет текст получателю. Ошибка — *DeliveryError.
type Sender interface {
	SendText(ctx context.Context, recipientID int64, text string) error
}

// ChannelResolver находит канал по @алиасу или id.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, ref string) (Channel, error)
}

// Notifier сообщает администраторам о сбоях.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
