// Package httpapi реализует административный HTTP API: приём сообщений,
// управление каналами и подписчиками, ручную перегенерацию дайджеста.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/domain"
	httpinfra "github.com/egv/ezra/internal/infra/http"
	"github.com/egv/ezra/internal/usecase/channels"
	"github.com/egv/ezra/internal/usecase/ingest"
	"github.com/egv/ezra/internal/usecase/schedule"
)

// Inbound принимает сообщения.
type Inbound interface {
	Deliver(ctx context.Context, in domain.InboundMessage) (ingest.InsertResult, error)
}

// Digests даёт доступ к дайджестам.
type Digests interface {
	Latest(ctx context.Context) (domain.Digest, error)
	Get(ctx context.Context, date time.Time) (domain.Digest, error)
	Regenerate(ctx context.Context, date time.Time) (schedule.Outcome, error)
}

// Channels управляет источниками.
type Channels interface {
	List(ctx context.Context) ([]domain.Channel, error)
	AddByRef(ctx context.Context, ref string, addedBy int64) (domain.Channel, bool, error)
	Remove(ctx context.Context, channelID int64) (bool, error)
}

// Subscribers управляет подписчиками.
type Subscribers interface {
	Subscribe(ctx context.Context, recipientID int64, username string) (domain.Subscriber, error)
	Unsubscribe(ctx context.Context, recipientID int64) (bool, error)
	List(ctx context.Context) ([]domain.Subscriber, error)
}

// Handler обслуживает /api/v1.
type Handler struct {
	inbound     Inbound
	digests     Digests
	channels    Channels
	subscribers Subscribers
	log         zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(inbound Inbound, digests Digests, channelUC Channels, subscribers Subscribers, logger zerolog.Logger) *Handler {
	return &Handler{inbound: inbound, digests: digests, channels: channelUC, subscribers: subscribers, log: logger}
}

// Mount регистрирует маршруты под /api/v1 за проверкой bearer-токена.
// Перегенерация не ограничена RequestTimeout: она ждёт сборку и рассылку.
func (h *Handler) Mount(r chi.Router, token string) {
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httpinfra.BearerAuth(token))

		api.Post("/digests/{date}/regenerate", h.regenerate)

		api.Group(func(g chi.Router) {
			g.Use(middleware.Timeout(httpinfra.RequestTimeout))

			g.Post("/messages", h.postMessage)

			g.Get("/digests/latest", h.getLatest)
			g.Get("/digests/{date}", h.getDigest)

			g.Get("/channels", h.listChannels)
			g.Post("/channels", h.addChannel)
			g.Delete("/channels/{id}", h.removeChannel)

			g.Get("/subscribers", h.listSubscribers)
			g.Put("/subscribers/{id}", h.subscribe)
			g.Delete("/subscribers/{id}", h.unsubscribe)
		})
	})
}

type messageRequest struct {
	ChannelID  int64      `json:"channel_id"`
	ExternalID int64      `json:"external_id"`
	Text       string     `json:"text"`
	Link       string     `json:"link"`
	ReceivedAt *time.Time `json:"received_at"`
}

type messageResponse struct {
	Outcome     ingest.Outcome `json:"outcome"`
	MessageID   int64          `json:"message_id,omitempty"`
	DuplicateOf int64          `json:"duplicate_of,omitempty"`
	Window      string         `json:"window"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, fmt.Errorf("тело запроса: %w", err))
		return
	}
	if req.ChannelID == 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("channel_id обязателен"))
		return
	}
	in := domain.InboundMessage{
		ChannelID:  req.ChannelID,
		ExternalID: req.ExternalID,
		Text:       req.Text,
		Link:       req.Link,
		Source:     domain.SourceAPI,
	}
	if req.ReceivedAt != nil {
		in.ReceivedAt = *req.ReceivedAt
	}

	res, err := h.inbound.Deliver(r.Context(), in)
	switch {
	case errors.Is(err, domain.ErrEmptyText):
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, domain.ErrChannelNotFound):
		httpinfra.WriteError(w, http.StatusNotFound, err)
		return
	case err != nil:
		h.internalError(w, "приём сообщения", err)
		return
	}
	status := http.StatusCreated
	if res.Outcome != ingest.OutcomeStored {
		status = http.StatusOK
	}
	httpinfra.WriteJSON(w, status, messageResponse{
		Outcome:     res.Outcome,
		MessageID:   res.MessageID,
		DuplicateOf: res.DuplicateOf,
		Window:      domain.FormatDate(res.Window),
	})
}

type digestResponse struct {
	Date        string     `json:"date"`
	Status      string     `json:"status"`
	Generation  int        `json:"generation"`
	Text        string     `json:"text,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CompiledAt  *time.Time `json:"compiled_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func toDigestResponse(d domain.Digest) digestResponse {
	return digestResponse{
		Date:        domain.FormatDate(d.Date),
		Status:      string(d.Status),
		Generation:  d.Generation,
		Text:        d.Text,
		LastError:   d.LastError,
		CompiledAt:  d.CompiledAt,
		DeliveredAt: d.DeliveredAt,
	}
}

func (h *Handler) getLatest(w http.ResponseWriter, r *http.Request) {
	d, err := h.digests.Latest(r.Context())
	h.writeDigest(w, d, err)
}

func (h *Handler) getDigest(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}
	d, err := h.digests.Get(r.Context(), date)
	h.writeDigest(w, d, err)
}

func (h *Handler) writeDigest(w http.ResponseWriter, d domain.Digest, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		httpinfra.WriteError(w, http.StatusNotFound, errors.New("дайджест не найден"))
		return
	}
	if err != nil {
		h.internalError(w, "получение дайджеста", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, toDigestResponse(d))
}

type outcomeResponse struct {
	Date       string `json:"date"`
	Generation int    `json:"generation"`
	Status     string `json:"status"`
	Messages   int    `json:"messages"`
	Empty      bool   `json:"empty"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Queued     int    `json:"queued"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Error      string `json:"error,omitempty"`
}

func (h *Handler) regenerate(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}
	// обрыв соединения не должен прерывать цикл, уже переведённый в pending
	out, err := h.digests.Regenerate(context.WithoutCancel(r.Context()), date)
	resp := outcomeResponse{
		Date:       domain.FormatDate(date),
		Generation: out.Generation,
		Status:     string(out.Status),
		Messages:   out.Messages,
		Empty:      out.Empty,
		Total:      out.Report.Total,
		Sent:       out.Report.Sent,
		Queued:     out.Report.Queued,
		Failed:     out.Report.Failed,
		Skipped:    out.Report.Skipped,
	}
	status := http.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStaleGeneration):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrCompilationFailed), errors.Is(err, domain.ErrDeliveryFailed):
		status = http.StatusBadGateway
	default:
		h.internalError(w, "перегенерация", err)
		return
	}
	if err != nil {
		resp.Error = err.Error()
	}
	httpinfra.WriteJSON(w, status, resp)
}

type channelResponse struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
	Active   bool   `json:"active"`
}

func toChannelResponse(ch domain.Channel) channelResponse {
	return channelResponse{ID: ch.ID, Title: ch.Title, Username: ch.Username, Active: ch.Active}
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	list, err := h.channels.List(r.Context())
	if err != nil {
		h.internalError(w, "список каналов", err)
		return
	}
	resp := make([]channelResponse, 0, len(list))
	for _, ch := range list {
		resp = append(resp, toChannelResponse(ch))
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) addChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Ref) == "" {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("ожидается {\"ref\": \"@alias\" или id}"))
		return
	}
	ch, created, err := h.channels.AddByRef(r.Context(), req.Ref, 0)
	switch {
	case errors.Is(err, channels.ErrAliasInvalid):
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, channels.ErrPrivateChannel), errors.Is(err, channels.ErrNoResolver):
		httpinfra.WriteError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		h.internalError(w, "добавление канала", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpinfra.WriteJSON(w, status, toChannelResponse(ch))
}

func (h *Handler) removeChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	removed, err := h.channels.Remove(r.Context(), id)
	if err != nil {
		h.internalError(w, "удаление канала", err)
		return
	}
	if !removed {
		httpinfra.WriteError(w, http.StatusNotFound, domain.ErrChannelNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscriberResponse struct {
	RecipientID  int64     `json:"recipient_id"`
	Username     string    `json:"username,omitempty"`
	Active       bool      `json:"active"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

func toSubscriberResponse(s domain.Subscriber) subscriberResponse {
	return subscriberResponse{RecipientID: s.RecipientID, Username: s.Username, Active: s.Active, SubscribedAt: s.SubscribedAt}
}

func (h *Handler) listSubscribers(w http.ResponseWriter, r *http.Request) {
	list, err := h.subscribers.List(r.Context())
	if err != nil {
		h.internalError(w, "список подписчиков", err)
		return
	}
	resp := make([]subscriberResponse, 0, len(list))
	for _, s := range list {
		resp = append(resp, toSubscriberResponse(s))
	}
	httpinfra.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Username string `json:"username"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpinfra.WriteError(w, http.StatusBadRequest, fmt.Errorf("тело запроса: %w", err))
			return
		}
	}
	sub, err := h.subscribers.Subscribe(r.Context(), id, req.Username)
	if err != nil {
		h.internalError(w, "подписка", err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, toSubscriberResponse(sub))
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	changed, err := h.subscribers.Unsubscribe(r.Context(), id)
	if err != nil {
		h.internalError(w, "отписка", err)
		return
	}
	if !changed {
		httpinfra.WriteError(w, http.StatusNotFound, errors.New("активная подписка не найдена"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.log.Error().Err(err).Str("op", op).Msg("httpapi: ошибка обработки запроса")
	httpinfra.WriteError(w, http.StatusInternalServerError, errors.New("внутренняя ошибка"))
}

func dateParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	date, err := domain.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err)
		return time.Time{}, false
	}
	return date, true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректный id"))
		return 0, false
	}
	return id, true
}
