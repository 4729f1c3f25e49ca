package mtproto

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"

	"github.com/egv/ezra/internal/domain"
)

// ErrUnsupportedSession возвращается, если формат сессии не распознан.
var ErrUnsupportedSession = errors.New("неизвестный формат MTProto-сессии")

// SessionStore хранит сессию gotd в таблице mtproto_sessions.
type SessionStore struct {
	repo domain.SessionRepo
	name string
}

var _ session.Storage = (*SessionStore)(nil)

// NewSessionStore создаёт хранилище сессии с именем name.
func NewSessionStore(repo domain.SessionRepo, name string) *SessionStore {
	return &SessionStore{repo: repo, name: name}
}

// LoadSession реализует session.Storage.
func (s *SessionStore) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := s.repo.LoadMTProtoSession(ctx, s.name)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, domain.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("загрузка сессии %s: %w", s.name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, session.ErrNotFound
	}
	return data, nil
}

// StoreSession реализует session.Storage.
func (s *SessionStore) StoreSession(ctx context.Context, data []byte) error {
	if err := s.repo.StoreMTProtoSession(ctx, s.name, data); err != nil {
		return fmt.Errorf("сохранение сессии %s: %w", s.name, err)
	}
	return nil
}

// Import сохраняет внешнюю сессию, приводя её к формату gotd.
// Возвращает true, если понадобилась конвертация.
func (s *SessionStore) Import(ctx context.Context, raw []byte) (bool, error) {
	data, converted, err := ConvertSession(raw)
	if err != nil {
		return false, err
	}
	return converted, s.StoreSession(ctx, data)
}

// ConvertSession приводит сессию к JSON-формату gotd. Понимает строковую сессию
// Telethon, экспорт таблицы sessions в JSON и JSON аккаунта с extra_params.
func ConvertSession(raw []byte) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, errors.New("пустая MTProto-сессия")
	}

	var native struct {
		Version int `json:"Version"`
	}
	if err := json.Unmarshal(trimmed, &native); err == nil && native.Version != 0 {
		return append([]byte(nil), trimmed...), false, nil
	}
	if data, err := fromAccountJSON(trimmed); err == nil {
		return data, true, nil
	}
	if data, err := fromSessionRows(trimmed); err == nil {
		return data, true, nil
	}
	if data, err := fromTelethonString(trimmed); err == nil {
		return data, true, nil
	}
	return nil, false, ErrUnsupportedSession
}

func fromAccountJSON(raw []byte) ([]byte, error) {
	var account struct {
		ExtraParams string `json:"extra_params"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, err
	}
	if account.ExtraParams == "" {
		return nil, errors.New("в JSON аккаунта нет extra_params")
	}
	return fromTelethonString([]byte(account.ExtraParams))
}

func fromSessionRows(raw []byte) ([]byte, error) {
	var rows []struct {
		DCID          int    `json:"dc_id"`
		ServerAddress string `json:"server_address"`
		Port          int    `json:"port"`
		AuthKey       string `json:"auth_key"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.AuthKey == "" || row.ServerAddress == "" || row.Port == 0 {
			continue
		}
		return encodeAuthKey(row.DCID, row.ServerAddress, row.Port, row.AuthKey)
	}
	return nil, errors.New("в сессии нет строки с ключом")
}

func fromTelethonString(raw []byte) ([]byte, error) {
	value := strings.Trim(strings.TrimSpace(string(raw)), "\"'")
	if value == "" {
		return nil, errors.New("пустая строка сессии")
	}
	data, err := session.TelethonSession(value)
	if err != nil {
		return nil, err
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if data.Addr != "" && len(data.Config.DCOptions) == 0 {
		if host, portStr, err := net.SplitHostPort(data.Addr); err == nil {
			if port, err := strconv.Atoi(portStr); err == nil {
				data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
			}
		}
	}
	return marshalSession(*data)
}

func encodeAuthKey(dc int, host string, port int, keyHex string) ([]byte, error) {
	rawKey, err := hex.DecodeString(strings.Trim(strings.TrimSpace(keyHex), "'\""))
	if err != nil {
		return nil, fmt.Errorf("декодирование auth_key: %w", err)
	}
	var key crypto.Key
	if len(rawKey) != len(key) {
		return nil, fmt.Errorf("неожиданная длина auth_key: %d байт", len(rawKey))
	}
	copy(key[:], rawKey)
	id := key.WithID().ID

	return marshalSession(session.Data{
		Config: session.Config{
			ThisDC:    dc,
			DCOptions: []tg.DCOption{{ID: dc, IPAddress: host, Port: port}},
		},
		DC:        dc,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   append([]byte(nil), key[:]...),
		AuthKeyID: append([]byte(nil), id[:]...),
	})
}

func marshalSession(data session.Data) ([]byte, error) {
	return json.Marshal(struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{Version: 1, Data: data})
}
