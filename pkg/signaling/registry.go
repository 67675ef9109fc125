package signaling

import "log/slog"

// Registry владеет множеством job в полете. Единственная разделяемая
// изменяемая структура ядра; мутируется только воркером, поэтому
// блокировок здесь нет намеренно.
type Registry struct {
	jobs map[string]*Job
	log  *slog.Logger
}

func newRegistry(log *slog.Logger) *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
		log:  log,
	}
}

// Add создает и регистрирует новый job. Повторное создание под тем же id,
// пока прежний job не снят, отклоняется: инвариант "не более одного job
// на id" обязателен для корректной маршрутизации событий.
func (r *Registry) Add(id string, t JobType, tx Transaction, params *Config) (*Job, bool) {
	if _, exists := r.jobs[id]; exists {
		r.log.Warn("job already exists, ignoring duplicate add",
			slog.String("jobID", id),
			slog.String("type", t.String()))
		return nil, false
	}

	j := &Job{
		id:      id,
		jobType: t,
		tx:      tx,
		params:  params,
		steps:   stepsFor(t),
	}
	r.jobs[id] = j

	r.log.Debug("job added",
		slog.String("jobID", id),
		slog.String("type", t.String()))

	return j, true
}

// Remove снимает job. Идемпотентен: гоняющиеся пути завершения могут
// снять job дважды, повторный вызов - no-op.
func (r *Registry) Remove(id string) {
	if _, exists := r.jobs[id]; !exists {
		return
	}
	delete(r.jobs, id)
	r.log.Debug("job removed", slog.String("jobID", id))
}

// Get возвращает job по id
func (r *Registry) Get(id string) (*Job, bool) {
	j, ok := r.jobs[id]
	return j, ok
}

// Len возвращает число job в полете
func (r *Registry) Len() int {
	return len(r.jobs)
}

// warnUnknown логирует событие для неизвестного id. Поздние сетевые
// события после снятия job - ожидаемая гонка, не ошибка.
func (r *Registry) warnUnknown(id string, what string) {
	r.log.Warn("event for unknown job, dropped",
		slog.String("jobID", id),
		slog.String("event", what))
}
