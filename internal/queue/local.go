package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const (
	defaultLocalWorkers = 4
	defaultLocalBuffer  = 256

	defaultDeliveredTTL     = 10 * time.Minute
	defaultDeliveredEntries = 100_000
)

// Deliver — функция доставки единицы работы.
type Deliver func(ctx context.Context, u Unit) error

// LocalQueue — очередь в памяти процесса для локальной разработки.
//
// Единицы работы доставляются пулом воркеров с повторами. Повторная
// постановка ID, который ещё ждёт доставки или был доставлен не позже
// DeliveredTTL назад, игнорируется. Единицы, не доставленные после всех
// попыток, логируются и отбрасываются; их ID можно поставить снова.
type LocalQueue struct {
	deliver Deliver
	workers int
	logger  *slog.Logger

	units chan Unit

	// closeMu удерживается на чтение на время отправки в units
	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	pending map[string]struct{}

	// delivered — недавно доставленные ID, ограничен по размеру и TTL
	delivered    *ristretto.Cache
	deliveredTTL time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// LocalConfig — конфигурация LocalQueue.
type LocalConfig struct {
	// Deliver — функция доставки (обычно Deliverer.DeliverWithRetry).
	Deliver Deliver

	// Workers — количество воркеров (default: 4).
	Workers int

	// Buffer — ёмкость буфера (default: 256).
	Buffer int

	// DeliveredTTL — сколько помнить доставленные ID (default: 10m).
	DeliveredTTL time.Duration

	// DeliveredEntries — сколько доставленных ID помнить не более (default: 100000).
	DeliveredEntries int64

	Logger *slog.Logger
}

// NewLocalQueue создаёт LocalQueue. Доставка начинается после Start.
func NewLocalQueue(cfg LocalConfig) (*LocalQueue, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultLocalWorkers
	}

	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultLocalBuffer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ttl := cfg.DeliveredTTL
	if ttl <= 0 {
		ttl = defaultDeliveredTTL
	}

	entries := cfg.DeliveredEntries
	if entries <= 0 {
		entries = defaultDeliveredEntries
	}

	delivered, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: entries * 10,
		MaxCost:     entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create delivered cache: %w", err)
	}

	return &LocalQueue{
		deliver:      cfg.Deliver,
		workers:      workers,
		logger:       logger,
		units:        make(chan Unit, buffer),
		pending:      make(map[string]struct{}),
		delivered:    delivered,
		deliveredTTL: ttl,
	}, nil
}

// Enqueue ставит единицу работы в очередь.
// Блокируется, если буфер заполнен, до освобождения места или отмены ctx.
func (q *LocalQueue) Enqueue(ctx context.Context, u Unit) error {
	if err := u.Validate(); err != nil {
		return err
	}

	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	if u.ID != "" {
		q.mu.Lock()
		_, inFlight := q.pending[u.ID]
		_, done := q.delivered.Get(u.ID)
		if inFlight || done {
			q.mu.Unlock()
			q.logger.Debug("duplicate unit ignored", "unit_id", u.ID)
			return nil
		}
		q.pending[u.ID] = struct{}{}
		q.mu.Unlock()
	}

	select {
	case q.units <- u:
		telemetry.EnqueuedTotal.WithLabelValues("local", u.Queue).Inc()
		return nil
	case <-ctx.Done():
		q.forget(u.ID, false)
		return ctx.Err()
	}
}

// forget убирает ID из ожидающих; доставленный ID запоминается на deliveredTTL.
func (q *LocalQueue) forget(id string, delivered bool) {
	if id == "" {
		return
	}
	if delivered {
		q.delivered.SetWithTTL(id, struct{}{}, 1, q.deliveredTTL)
		q.delivered.Wait()
	}

	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

// Start запускает воркеры.
func (q *LocalQueue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx)
		}()
	}

	q.logger.Info("local queue started", "workers", q.workers)
}

// Stop перестаёт принимать единицы работы, дожидается доставки уже
// поставленных и останавливает воркеры.
func (q *LocalQueue) Stop() {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return
	}
	q.closed = true
	close(q.units)
	q.closeMu.Unlock()

	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
	q.delivered.Close()

	q.logger.Info("local queue stopped")
}

// work доставляет единицы работы до закрытия канала.
func (q *LocalQueue) work(ctx context.Context) {
	for u := range q.units {
		err := q.deliver(ctx, u)
		q.forget(u.ID, err == nil)
		if err != nil {
			q.logger.Error("unit delivery failed, dropping",
				"unit_id", u.ID,
				"queue", u.Queue,
				"url", u.URL,
				"error", err,
			)
		}
	}
}
