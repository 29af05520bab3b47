package modules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Ошибки модулей.
var (
	// ErrModuleNotFound — модуль с таким именем не зарегистрирован.
	ErrModuleNotFound = errors.New("module not found")

	// ErrDuplicateModule — модуль с таким именем уже зарегистрирован.
	ErrDuplicateModule = errors.New("module already registered")

	// ErrInvalidInput — модуль получил некорректные входные данные.
	ErrInvalidInput = errors.New("invalid module input")
)

// Module — встроенная единица работы, вызываемая задачей типа MODULE.
type Module interface {
	// Name возвращает имя, под которым модуль регистрируется.
	Name() string

	// Run выполняет модуль и возвращает results задачи.
	Run(ctx context.Context, p *domain.TaskParameters) (map[string]any, error)
}

// Registry — реестр модулей по имени.
//
// Заполняется явными вызовами Register при старте процесса.
// Потокобезопасен.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// DefaultRegistry создаёт реестр со встроенными модулями.
func DefaultRegistry(docs DocumentSource) *Registry {
	r := NewRegistry()
	r.MustRegister(NewSplitPages(docs))
	r.MustRegister(NewTransform())
	r.MustRegister(NewNoop())
	return r
}

// Register регистрирует модуль.
// Повторная регистрация имени — ErrDuplicateModule.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	r.modules[name] = m
	return nil
}

// MustRegister регистрирует модуль и паникует при дубликате.
func (r *Registry) MustRegister(m Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get возвращает модуль по имени.
func (r *Registry) Get(name string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return m, nil
}

// Has проверяет, зарегистрирован ли модуль.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[name]
	return ok
}

// Names возвращает отсортированный список имён модулей.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
