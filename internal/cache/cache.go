// Package cache holds the three TTL result caches shared by every grading
// worker: extracted questions, extracted answers, and per-question grades.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pavelanni/papergrader/internal/hasher"
	"github.com/pavelanni/papergrader/internal/model"
)

// DefaultTTL is how long an entry stays valid.
const DefaultTTL = 30 * 24 * time.Hour

// TableName names one of the cache tables.
type TableName string

const (
	TableQuestions    TableName = "cache_questions"
	TableModelAnswers TableName = "cache_model_answers"
	TableGrading      TableName = "cache_grading"
)

// Tables lists every cache table.
var Tables = []TableName{TableQuestions, TableModelAnswers, TableGrading}

// Entry is one stored value with its lifetime.
type Entry struct {
	Key       string
	Value     []byte
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Backend persists entries. Get reports a miss with ok == false.
type Backend interface {
	Get(ctx context.Context, table TableName, key string) (Entry, bool, error)
	Put(ctx context.Context, table TableName, e Entry) error
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Clock returns the current time.
type Clock func() time.Time

// Service exposes the three typed tables over one backend.
type Service struct {
	backend Backend
	ttl     time.Duration
	now     Clock

	Questions    *Table[[]model.Question]
	ModelAnswers *Table[model.ModelAnswerEntry]
	Grading      *Table[model.GradingResult]
}

// New creates a cache service. A zero ttl means DefaultTTL and a nil clock
// means time.Now.
func New(backend Backend, ttl time.Duration, clock Clock) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	s := &Service{backend: backend, ttl: ttl, now: clock}
	s.Questions = &Table[[]model.Question]{name: TableQuestions, svc: s}
	s.ModelAnswers = &Table[model.ModelAnswerEntry]{name: TableModelAnswers, svc: s}
	s.Grading = &Table[model.GradingResult]{name: TableGrading, svc: s}
	return s
}

// Backend returns the underlying store.
func (s *Service) Backend() Backend { return s.backend }

// Purge removes entries that expired before now.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	return s.backend.Purge(ctx, s.now())
}

// Table is a typed view over one cache table. Values are stored as JSON.
type Table[V any] struct {
	name TableName
	svc  *Service

	hits   atomic.Int64
	misses atomic.Int64
	puts   atomic.Int64
}

// Get returns the value under key. Expired entries are misses.
func (t *Table[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var v V
	e, ok, err := t.svc.backend.Get(ctx, t.name, key)
	if err != nil {
		return v, false, fmt.Errorf("cache get %s: %w", t.name, err)
	}
	if !ok || !t.svc.now().Before(e.ExpiresAt) {
		t.misses.Add(1)
		return v, false, nil
	}
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, false, fmt.Errorf("cache decode %s: %w", t.name, err)
	}
	t.hits.Add(1)
	return v, true, nil
}

// Put stores v under key with the service TTL.
func (t *Table[V]) Put(ctx context.Context, key string, v V) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", t.name, err)
	}
	now := t.svc.now()
	e := Entry{Key: key, Value: data, CachedAt: now, ExpiresAt: now.Add(t.svc.ttl)}
	if err := t.svc.backend.Put(ctx, t.name, e); err != nil {
		return fmt.Errorf("cache put %s: %w", t.name, err)
	}
	t.puts.Add(1)
	return nil
}

// Stats is a snapshot of table counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Puts   int64 `json:"puts"`
}

// Stats returns the table counters since the service was created.
func (t *Table[V]) Stats() Stats {
	return Stats{Hits: t.hits.Load(), Misses: t.misses.Load(), Puts: t.puts.Load()}
}

// Stats returns the counters of every table.
func (s *Service) Stats() map[TableName]Stats {
	return map[TableName]Stats{
		TableQuestions:    s.Questions.Stats(),
		TableModelAnswers: s.ModelAnswers.Stats(),
		TableGrading:      s.Grading.Stats(),
	}
}

// QuestionKey keys extracted questions by exam and question paper hash.
func QuestionKey(examID, paperHash string) string {
	return hasher.Key("questions", examID, paperHash)
}

// AnswerKey keys one extracted answer. sourceHash covers the source pages
// and the question context the extraction ran with.
func AnswerKey(examID string, questionNumber int, sourceHash string) string {
	return hasher.Key("answer", examID, strconv.Itoa(questionNumber), sourceHash)
}

// GradingKey keys one grading result.
func GradingKey(examID, studentAnswerHash string, questionNumber int) string {
	return hasher.Key("grade", examID, studentAnswerHash, strconv.Itoa(questionNumber))
}
