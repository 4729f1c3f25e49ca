package domain

// DigestStatus описывает состояние дайджеста за дату.
type DigestStatus string

const (
	DigestPending   DigestStatus = "pending"
	DigestCompiled  DigestStatus = "compiled"
	DigestDelivered DigestStatus = "delivered"
	DigestFailed    DigestStatus = "failed"
)

// Valid проверяет, что статус известен.
func (s DigestStatus) Valid() bool {
	switch s {
	case DigestPending, DigestCompiled, DigestDelivered, DigestFailed:
		return true
	}
	return false
}

// Terminal сообщает, что автоматический цикл больше не трогает дайджест.
func (s DigestStatus) Terminal() bool {
	return s == DigestDelivered || s == DigestFailed
}

var transitions = map[DigestStatus][]DigestStatus{
	DigestPending:  {DigestCompiled, DigestFailed},
	DigestCompiled: {DigestDelivered, DigestFailed},
}

// CanTransition проверяет переход статуса. В pending возвращает только
// ручная перегенерация, зато из любого состояния.
func CanTransition(from, to DigestStatus, manual bool) bool {
	if manual && to == DigestPending {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
