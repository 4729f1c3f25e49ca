package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/egv/ezra/internal/domain"
)

// Verdict описывает результат проверки отпечатка.
type Verdict int

const (
	// VerdictNew — отпечаток впервые встретился в окне и зарегистрирован.
	VerdictNew Verdict = iota
	// VerdictDuplicate — отпечаток уже зарегистрирован другим сообщением.
	VerdictDuplicate
)

func (v Verdict) String() string {
	if v == VerdictDuplicate {
		return "duplicate"
	}
	return "new"
}

// Window задаёт окно дедупликации по дате дайджеста.
type Window struct {
	Date time.Time
}

// WindowFor возвращает окно, в которое попадает момент t.
func WindowFor(t time.Time, loc *time.Location) Window {
	return Window{Date: domain.DigestDate(t, loc)}
}

// Key возвращает строковый ключ окна.
func (w Window) Key() string {
	return domain.FormatDate(w.Date)
}

var errEmptyFingerprint = errors.New("пустой отпечаток")

// Deduplicator отсекает повторы содержимого в пределах окна.
type Deduplicator struct {
	registry domain.FingerprintRegistry
}

// New создаёт дедупликатор поверх реестра отпечатков.
func New(registry domain.FingerprintRegistry) *Deduplicator {
	return &Deduplicator{registry: registry}
}

// CheckAndRegister регистрирует отпечаток за сообщением messageID. Если отпечаток
// уже есть в окне, возвращает VerdictDuplicate и id первого сообщения, ничего не меняя.
func (d *Deduplicator) CheckAndRegister(ctx context.Context, w Window, fingerprint string, messageID int64) (Verdict, int64, error) {
	if fingerprint == "" {
		return VerdictNew, 0, errEmptyFingerprint
	}
	firstID, created, err := d.registry.RegisterFingerprint(ctx, w.Date, fingerprint, messageID)
	if err != nil {
		return VerdictNew, 0, fmt.Errorf("регистрация отпечатка: %w", err)
	}
	if created || firstID == messageID {
		return VerdictNew, messageID, nil
	}
	return VerdictDuplicate, firstID, nil
}

// MemoryRegistry хранит отпечатки в памяти процесса.
type MemoryRegistry struct {
	mu      sync.Mutex
	windows map[string]map[string]int64
}

// NewMemoryRegistry создаёт пустой реестр.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{windows: make(map[string]map[string]int64)}
}

// RegisterFingerprint реализует domain.FingerprintRegistry.
func (r *MemoryRegistry) RegisterFingerprint(_ context.Context, window time.Time, fingerprint string, messageID int64) (int64, bool, error) {
	key := domain.FormatDate(window)
	r.mu.Lock()
	defer r.mu.Unlock()
	seen, ok := r.windows[key]
	if !ok {
		seen = make(map[string]int64)
		r.windows[key] = seen
	}
	if first, ok := seen[fingerprint]; ok {
		return first, false, nil
	}
	seen[fingerprint] = messageID
	return messageID, true, nil
}

// Prune удаляет окна раньше указанной даты.
func (r *MemoryRegistry) Prune(before time.Time) int {
	cutoff := domain.FormatDate(before)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key := range r.windows {
		if key < cutoff {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}
