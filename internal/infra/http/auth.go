package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// WebhookSecretHeader содержит имя заголовка с секретом вебхука Telegram.
const WebhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// BearerAuth пропускает запросы с заголовком Authorization: Bearer <token>.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || !secureEqual(strings.TrimSpace(got), token) {
				WriteError(w, http.StatusUnauthorized, errors.New("требуется токен администратора"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebhookSecret проверяет секрет, заданный при setWebhook. Пустой секрет отключает проверку.
func WebhookSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && !secureEqual(r.Header.Get(WebhookSecretHeader), secret) {
				WriteError(w, http.StatusUnauthorized, errors.New("неверный секрет вебхука"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func secureEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON отправляет v в JSON с кодом status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: err.Error()})
}
