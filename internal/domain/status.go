package domain

// Status — статус pipeline внутри run.
//
// Жизненный цикл:
//
//	QUEUED → IN_PROGRESS → COMPLETED
//	                     ↘ FAILED
//
// Финальные статусы не меняются. Повторная запись того же финального
// статуса допустима (идемпотентность), запись другого отклоняется.
type Status string

const (
	// StatusQueued — pipeline поставлен в очередь.
	StatusQueued Status = "QUEUED"

	// StatusInProgress — pipeline выполняется.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted — pipeline успешно завершён.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed — pipeline завершился с ошибкой.
	StatusFailed Status = "FAILED"
)

// IsValid возвращает true для известных статусов.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal возвращает true, если статус финальный.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition проверяет допустимость перехода из s в next.
func (s Status) CanTransition(next Status) bool {
	if !next.IsValid() {
		return false
	}
	switch s {
	case "":
		return true
	case StatusQueued:
		return true
	case StatusInProgress:
		return next != StatusQueued
	default:
		return s == next
	}
}

// Rollup вычисляет агрегированный статус run по статусам его pipelines.
//
// Приоритет: любой FAILED → FAILED; иначе любой нефинальный → IN_PROGRESS;
// иначе COMPLETED. Run без pipelines считается IN_PROGRESS.
func Rollup(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusInProgress
	}

	pending := false
	for _, s := range statuses {
		if s == StatusFailed {
			return StatusFailed
		}
		if !s.IsTerminal() {
			pending = true
		}
	}

	if pending {
		return StatusInProgress
	}
	return StatusCompleted
}
