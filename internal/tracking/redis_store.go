package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shaiso/Conveyor/internal/domain"
)

// maxTxRetries — сколько раз повторять транзакцию при конфликте WATCH.
const maxTxRetries = 16

// runsIndexKey — ZSET run_id по времени создания job.
const runsIndexKey = "runs:index"

func jobKey(runID string) string      { return "job:" + runID }
func notifiedKey(runID string) string { return "job:" + runID + ":completion_notified" }
func membersKey(runID string) string  { return runID + ":pipelines" }

func statusKey(runID, member string) string {
	return runID + ":pipelines:" + member
}

// member — элемент множества pipelines run: "{pipeline_id}:{entry_key}".
func member(pipelineID, entryKey string) string {
	return pipelineID + ":" + entryKey
}

// RedisStore — Store поверх Redis.
//
// Раскладка ключей:
//
//	job:{run_id}                                   → JSON Job
//	{run_id}:pipelines                             → SET "{pipeline_id}:{entry_key}"
//	{run_id}:pipelines:{pipeline_id}:{entry_key}   → JSON PipelineStatus
//
// entry_key — "document" или "page-{n}", для веток fan-out с суффиксом
// "/{branch}".
//	job:{run_id}:completion_notified               → флаг (SETNX)
//	runs:index                                     → ZSET run_id по created_at
type RedisStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisStore создаёт RedisStore.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob создаёт job через SETNX.
func (s *RedisStore) CreateJob(ctx context.Context, job *domain.Job) error {
	now := s.now()
	stored := *job
	stored.CreatedAt = now
	stored.UpdatedAt = now

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, jobKey(job.RunID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.RunID, err)
	}
	if !ok {
		return fmt.Errorf("create job %s: %w", job.RunID, ErrJobExists)
	}

	if err := s.rdb.ZAdd(ctx, runsIndexKey, &redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: job.RunID,
	}).Err(); err != nil {
		return fmt.Errorf("index job %s: %w", job.RunID, err)
	}

	*job = stored
	return nil
}

// GetJob возвращает job.
func (s *RedisStore) GetJob(ctx context.Context, runID string) (*domain.Job, error) {
	return getJob(ctx, s.rdb, runID)
}

// UpdateJob заменяет изменяемые поля job (run_id и created_at сохраняются).
func (s *RedisStore) UpdateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	key := jobKey(job.RunID)
	var updated domain.Job

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		current, err := getJob(ctx, tx, job.RunID)
		if err != nil {
			return err
		}

		updated = *job
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = s.now()

		data, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteJob удаляет все статусы run, затем job.
func (s *RedisStore) DeleteJob(ctx context.Context, runID string) error {
	key := jobKey(runID)

	return s.withRetry(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check job %s: %w", runID, err)
		}
		if exists == 0 {
			return fmt.Errorf("delete job %s: %w", runID, ErrJobNotFound)
		}

		members, err := tx.SMembers(ctx, membersKey(runID)).Result()
		if err != nil {
			return fmt.Errorf("list pipelines of %s: %w", runID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range members {
				pipe.Del(ctx, statusKey(runID, m))
			}
			pipe.Del(ctx, membersKey(runID))
			pipe.Del(ctx, key, notifiedKey(runID))
			pipe.ZRem(ctx, runsIndexKey, runID)
			return nil
		})
		return err
	}, key, membersKey(runID))
}

// UpsertStatus записывает статус pipeline.
//
// Под WATCH на job, множестве pipelines и самой записи:
//  1. Читает предыдущий статус и проверяет переход
//  2. Считает записи run до записи (для "первого статуса")
//  3. Создаёт job, если его нет
//  4. Записывает статус и добавляет его в множество
//
// Конкурентная запись в те же ключи приводит к повтору транзакции.
func (s *RedisStore) UpsertStatus(ctx context.Context, status *domain.PipelineStatus, job *domain.Job) (*UpsertResult, error) {
	if !status.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status.Status)
	}

	runID := status.RunID
	m := member(status.PipelineID, status.EntryKey())
	entryKey := statusKey(runID, m)

	var result *UpsertResult

	err := s.withRetry(ctx, func(tx *redis.Tx) error {
		result = &UpsertResult{}
		now := s.now()

		// 1. Предыдущий статус
		prev, err := getStatus(ctx, tx, entryKey)
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		stored := *status
		stored.CreatedAt = now
		if prev != nil {
			result.Previous = prev.Status
			stored.CreatedAt = prev.CreatedAt
			if prev.Status.IsTerminal() && prev.Status == status.Status {
				result.Status = prev
				result.Unchanged = true
				return nil
			}
			if !prev.Status.CanTransition(status.Status) {
				if prev.Status.IsTerminal() {
					return fmt.Errorf("%s %s: %w (%s → %s)", runID, m, ErrTerminalStatus, prev.Status, status.Status)
				}
				return fmt.Errorf("%s %s: %w (%s → %s)", runID, m, ErrInvalidStatus, prev.Status, status.Status)
			}
		}
		stored.UpdatedAt = now

		// 2. Количество записей до записи
		count, err := tx.SCard(ctx, membersKey(runID)).Result()
		if err != nil {
			return fmt.Errorf("count pipelines of %s: %w", runID, err)
		}
		result.First = count == 0

		// 3. Job
		exists, err := tx.Exists(ctx, jobKey(runID)).Result()
		if err != nil {
			return fmt.Errorf("check job %s: %w", runID, err)
		}
		var jobData []byte
		if exists == 0 {
			if job == nil {
				job = &domain.Job{}
			}
			newJob := *job
			newJob.RunID = runID
			newJob.CreatedAt = now
			newJob.UpdatedAt = now
			jobData, err = json.Marshal(&newJob)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}
			result.JobCreated = true
		}

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal status: %w", err)
		}

		// 4. Запись
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if jobData != nil {
				pipe.Set(ctx, jobKey(runID), jobData, 0)
				pipe.ZAdd(ctx, runsIndexKey, &redis.Z{Score: float64(now.UnixMilli()), Member: runID})
			}
			pipe.Set(ctx, entryKey, data, 0)
			pipe.SAdd(ctx, membersKey(runID), m)
			return nil
		})
		if err != nil {
			return err
		}

		result.Status = &stored
		return nil
	}, jobKey(runID), membersKey(runID), entryKey)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListStatuses возвращает статусы run, упорядоченные по pipeline_id и странице.
func (s *RedisStore) ListStatuses(ctx context.Context, runID string) ([]domain.PipelineStatus, error) {
	members, err := s.rdb.SMembers(ctx, membersKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pipelines of %s: %w", runID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = statusKey(runID, m)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load pipelines of %s: %w", runID, err)
	}

	statuses := make([]domain.PipelineStatus, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Запись удалена между SMEMBERS и MGET
			continue
		}
		var st domain.PipelineStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("unmarshal status %s: %w", keys[i], err)
		}
		statuses = append(statuses, st)
	}

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].PipelineID != statuses[j].PipelineID {
			return statuses[i].PipelineID < statuses[j].PipelineID
		}
		if pi, pj := pageOrder(statuses[i].PageNumber), pageOrder(statuses[j].PageNumber); pi != pj {
			return pi < pj
		}
		return statuses[i].Branch < statuses[j].Branch
	})
	return statuses, nil
}

// MarkCompletionNotified ставит флаг уведомления через SETNX и убирает run из индекса.
func (s *RedisStore) MarkCompletionNotified(ctx context.Context, runID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, notifiedKey(runID), s.now().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s notified: %w", runID, err)
	}
	if ok {
		if err := s.rdb.ZRem(ctx, runsIndexKey, runID).Err(); err != nil {
			return true, fmt.Errorf("unindex %s: %w", runID, err)
		}
	}
	return ok, nil
}

// CompletionNotified проверяет флаг уведомления о завершении.
func (s *RedisStore) CompletionNotified(ctx context.Context, runID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, notifiedKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("check %s notified: %w", runID, err)
	}
	return n > 0, nil
}

// RunsCreatedBefore возвращает самые старые run_id, созданные раньше cutoff.
func (s *RedisStore) RunsCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, runsIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs before %s: %w", cutoff, err)
	}
	return ids, nil
}

// Unindex убирает run из runs:index.
func (s *RedisStore) Unindex(ctx context.Context, runID string) error {
	if err := s.rdb.ZRem(ctx, runsIndexKey, runID).Err(); err != nil {
		return fmt.Errorf("unindex %s: %w", runID, err)
	}
	return nil
}

// withRetry выполняет транзакцию WATCH/MULTI и повторяет её при конфликте.
func (s *RedisStore) withRetry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return ErrContention
}

// getJob читает job из Redis.
func getJob(ctx context.Context, c redis.Cmdable, runID string) (*domain.Job, error) {
	raw, err := c.Get(ctx, jobKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get job %s: %w", runID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", runID, err)
	}

	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", runID, err)
	}
	return &job, nil
}

// getStatus читает запись статуса. Отсутствующая запись — redis.Nil.
func getStatus(ctx context.Context, c redis.Cmdable, key string) (*domain.PipelineStatus, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("get status %s: %w", key, err)
	}

	var st domain.PipelineStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal status %s: %w", key, err)
	}
	return &st, nil
}

// pageOrder ставит запись уровня документа перед страницами.
func pageOrder(page *int) int {
	if page == nil {
		return -1
	}
	return *page
}
