package tracking

import "errors"

// Ошибки хранилища статусов.
var (
	// ErrJobNotFound — job для run_id не существует.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists — job для run_id уже создан.
	ErrJobExists = errors.New("job already exists")

	// ErrTerminalStatus — попытка изменить финальный статус pipeline.
	ErrTerminalStatus = errors.New("pipeline status is terminal")

	// ErrInvalidStatus — неизвестный статус или недопустимый переход.
	ErrInvalidStatus = errors.New("invalid pipeline status")

	// ErrContention — не удалось применить изменение из-за конкурентных записей.
	ErrContention = errors.New("status update lost to concurrent writers")
)

// ErrInvalidRequest — отсутствуют обязательные идентификаторы.
var ErrInvalidRequest = errors.New("invalid tracking request")
