package invoke

import (
	"context"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/modules"
)

// ModuleInvoker выполняет встроенные модули из реестра.
type ModuleInvoker struct {
	registry *modules.Registry
}

// NewModuleInvoker создаёт ModuleInvoker.
func NewModuleInvoker(registry *modules.Registry) *ModuleInvoker {
	return &ModuleInvoker{registry: registry}
}

// Run находит модуль по имени и выполняет его.
func (i *ModuleInvoker) Run(ctx context.Context, p *domain.TaskParameters) *domain.TaskResults {
	spec, ok := p.TaskConfig.Module()
	if !ok {
		return wrongVariant(p, domain.TaskTypeModule)
	}

	mod, err := i.registry.Get(spec.Name)
	if err != nil {
		return domain.Failed(err.Error(), map[string]any{
			"error_type": ErrorTypeOther,
			"module":     spec.Name,
		})
	}

	results, err := mod.Run(ctx, p)
	if err != nil {
		return domain.Failed(err.Error(), map[string]any{
			"error_type": ErrorTypeOther,
			"module":     spec.Name,
		})
	}

	res := domain.Succeeded(results)
	res.Metadata["module"] = spec.Name
	return res
}
