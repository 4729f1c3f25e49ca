package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	httpinfra "github.com/egv/ezra/internal/infra/http"
)

// Webhook принимает апдейт Telegram по HTTP.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var upd tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, fmt.Errorf("апдейт: %w", err))
		return
	}
	h.HandleUpdate(r.Context(), upd)
	w.WriteHeader(http.StatusOK)
}

// Poll обрабатывает апдейты long polling до отмены контекста или закрытия канала.
func (h *Handler) Poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			h.HandleUpdate(ctx, upd)
		}
	}
}
