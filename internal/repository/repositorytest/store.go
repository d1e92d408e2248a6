// Package repositorytest provides an in-memory implementation of the
// repository interfaces for tests.
package repositorytest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/repository"
)

// Store implements every repository interface over maps. Values are copied on
// the way in and out so callers cannot mutate stored state.
type Store struct {
	mu         sync.Mutex
	accounts   map[int64]*models.SocialAccount
	tasks      map[int64]*models.AutomationTask
	executions []*models.TaskExecution
	processed  map[models.ProcessedMessageKey]time.Time
	statsCalls map[int64]int
	now        func() time.Time
}

var (
	_ repository.SocialAccountRepository    = (*Store)(nil)
	_ repository.TaskRepository             = taskView{}
	_ repository.ExecutionRepository        = (*Store)(nil)
	_ repository.ProcessedMessageRepository = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		accounts:   make(map[int64]*models.SocialAccount),
		tasks:      make(map[int64]*models.AutomationTask),
		processed:  make(map[models.ProcessedMessageKey]time.Time),
		statsCalls: make(map[int64]int),
		now:        time.Now,
	}
}

func (s *Store) PutAccount(a *models.SocialAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = copyAccount(a)
}

func (s *Store) PutTask(t *models.AutomationTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = copyTask(t)
}

func (s *Store) Account(id int64) *models.SocialAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return copyAccount(a)
	}
	return nil
}

func (s *Store) Task(id int64) *models.AutomationTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return copyTask(t)
	}
	return nil
}

// Executions returns every recorded execution in insertion order.
func (s *Store) Executions() []*models.TaskExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TaskExecution, len(s.executions))
	for i, e := range s.executions {
		c := *e
		out[i] = &c
	}
	return out
}

// StatsUpdates returns how many times UpdateStats was called for a task.
func (s *Store) StatsUpdates(taskID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsCalls[taskID]
}

func (s *Store) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	if a := s.Account(id); a != nil {
		return a, nil
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListAll(ctx context.Context) ([]*models.SocialAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SocialAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, copyAccount(a))
	}
	slices.SortFunc(out, func(a, b *models.SocialAccount) int { return compareID(a.ID, b.ID) })
	return out, nil
}

func (s *Store) ListByTimeInterval(ctx context.Context, initialTime, finalTime time.Time) ([]*models.SocialAccount, error) {
	all, _ := s.ListAll(ctx)
	var out []*models.SocialAccount
	for _, a := range all {
		if !a.IsActive || a.RefreshToken == "" {
			continue
		}
		if a.TokenExpiresAt.Before(finalTime) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, id int64, patch models.AccountPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	if patch.AccessToken != nil {
		a.AccessToken = *patch.AccessToken
	}
	if patch.RefreshToken != nil {
		a.RefreshToken = *patch.RefreshToken
	}
	if patch.TokenExpiresAt != nil {
		a.TokenExpiresAt = *patch.TokenExpiresAt
	}
	if patch.IsActive != nil {
		a.IsActive = *patch.IsActive
	}
	if patch.Credentials != nil {
		a.Credentials = *patch.Credentials
	}
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetToken(ctx context.Context, id int64, oldAccessToken string, sa *models.SocialAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.AccessToken != oldAccessToken {
		return repository.ErrTokenConflict
	}
	if sa.AccessToken != "" {
		a.AccessToken = sa.AccessToken
	}
	if sa.RefreshToken != "" {
		a.RefreshToken = sa.RefreshToken
	}
	if !sa.TokenExpiresAt.IsZero() {
		a.TokenExpiresAt = sa.TokenExpiresAt
	}
	return nil
}

func (s *Store) MarkReauthRequired(ctx context.Context, id int64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.IsActive = false
	a.Credentials.Reauth = models.ReauthState{Required: true, Reason: reason, FlaggedAt: &at}
	a.UpdatedAt = s.now()
	return nil
}

// Tasks implements repository.TaskRepository. Method names collide with the
// account repository, so tasks are exposed through a view.
func (s *Store) Tasks() repository.TaskRepository { return taskView{s} }

type taskView struct{ s *Store }

func (v taskView) GetByID(ctx context.Context, id int64) (*models.AutomationTask, error) {
	if t := v.s.Task(id); t != nil {
		return t, nil
	}
	return nil, repository.ErrNotFound
}

func (v taskView) ListAll(ctx context.Context) ([]*models.AutomationTask, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make([]*models.AutomationTask, 0, len(v.s.tasks))
	for _, t := range v.s.tasks {
		out = append(out, copyTask(t))
	}
	slices.SortFunc(out, func(a, b *models.AutomationTask) int { return compareID(a.ID, b.ID) })
	return out, nil
}

func (v taskView) UpdateStats(ctx context.Context, id int64, stats models.TaskStatsUpdate) error {
	return v.s.UpdateStats(ctx, id, stats)
}

func (s *Store) UpdateStats(ctx context.Context, id int64, stats models.TaskStatsUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return repository.ErrNotFound
	}
	t.ExecutionCount += stats.Executions
	t.FailureCount += stats.Failures
	last := stats.LastExecuted
	t.LastExecuted = &last
	t.LastError = stats.LastError
	s.statsCalls[id]++
	return nil
}

func (s *Store) Create(ctx context.Context, e *models.TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.executions = append(s.executions, &c)
	return nil
}

func (s *Store) ListByTaskID(ctx context.Context, taskID int64, limit int) ([]*models.TaskExecution, error) {
	var out []*models.TaskExecution
	for _, e := range s.Executions() {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Register(ctx context.Context, key models.ProcessedMessageKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.processed[key]; seen {
		return false, nil
	}
	s.processed[key] = s.now()
	return true, nil
}

func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, at := range s.processed {
		if at.Before(olderThan) {
			delete(s.processed, k)
			n++
		}
	}
	return n, nil
}

func copyAccount(a *models.SocialAccount) *models.SocialAccount {
	c := *a
	return &c
}

func copyTask(t *models.AutomationTask) *models.AutomationTask {
	c := *t
	c.SourceAccounts = slices.Clone(t.SourceAccounts)
	c.TargetAccounts = slices.Clone(t.TargetAccounts)
	return &c
}

func compareID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
