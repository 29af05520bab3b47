package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Outcome — результат best-effort операции.
//
// Вызывающая сторона обязана явно распорядиться результатом:
// залогировать (Log) или отбросить (Discard).
type Outcome struct {
	// Op — имя операции для логов и метрик.
	Op string

	// Err — ошибка операции; nil при успехе.
	Err error

	Duration time.Duration
}

// OK возвращает true, если операция завершилась успешно.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Log пишет результат в лог: ошибка — warning, успех — debug.
func (o Outcome) Log(logger *slog.Logger, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	if o.Err != nil {
		logger.Warn("best-effort operation failed",
			append([]any{"op", o.Op, "error", o.Err, "duration", o.Duration}, args...)...)
		return
	}
	logger.Debug("best-effort operation done",
		append([]any{"op", o.Op, "duration", o.Duration}, args...)...)
}

// Discard явно отбрасывает результат.
func (o Outcome) Discard() {}

// BestEffort выполняет побочную операцию, ошибка которой не должна
// влиять на основной поток. Ошибка возвращается в Outcome.
func BestEffort(ctx context.Context, op string, fn func(ctx context.Context) error) Outcome {
	start := time.Now()
	err := fn(ctx)

	outcome := Outcome{Op: op, Err: err, Duration: time.Since(start)}

	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.NotificationsTotal.WithLabelValues(op, result).Inc()

	return outcome
}
