package domain

import "strings"

// UserRole описывает права пользователя бота.
type UserRole string

const (
	UserRoleSubscriber UserRole = "subscriber"
	UserRoleAdmin      UserRole = "admin"
)

// AdminPolicy определяет администраторов по username или Telegram id.
type AdminPolicy struct {
	usernames map[string]struct{}
	ids       map[int64]struct{}
}

// NewAdminPolicy создаёт политику. Username сравниваются без @ и регистра.
func NewAdminPolicy(usernames []string, ids []int64) AdminPolicy {
	p := AdminPolicy{
		usernames: make(map[string]struct{}, len(usernames)),
		ids:       make(map[int64]struct{}, len(ids)),
	}
	for _, name := range usernames {
		name = normalizeUsername(name)
		if name == "" {
			continue
		}
		p.usernames[name] = struct{}{}
	}
	for _, id := range ids {
		if id == 0 {
			continue
		}
		p.ids[id] = struct{}{}
	}
	return p
}

// RoleFor возвращает роль пользователя.
func (p AdminPolicy) RoleFor(userID int64, username string) UserRole {
	if _, ok := p.ids[userID]; ok {
		return UserRoleAdmin
	}
	if name := normalizeUsername(username); name != "" {
		if _, ok := p.usernames[name]; ok {
			return UserRoleAdmin
		}
	}
	return UserRoleSubscriber
}

// IsAdmin сообщает, может ли пользователь управлять каналами и дайджестом.
func (p AdminPolicy) IsAdmin(userID int64, username string) bool {
	return p.RoleFor(userID, username) == UserRoleAdmin
}

// Empty сообщает, что администраторы не настроены.
func (p AdminPolicy) Empty() bool {
	return len(p.usernames) == 0 && len(p.ids) == 0
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}
