// internal/taskpool/pool.go

// Package taskpool stores focus statements and their generated tasks, rejects
// near-duplicate statements, enforces plan-constrained task selection and
// rotates through the pool for scheduled deliveries.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coach-bot/internal/db"
	"coach-bot/internal/metrics"
	"coach-bot/internal/models"
)

var (
	// ErrDuplicateStatement marks a statement too similar to an existing one
	// in the same category. User-facing retry, not an operational error.
	ErrDuplicateStatement = errors.New("duplicate statement")

	// ErrAlreadySelected marks a re-selection of an already chosen task.
	ErrAlreadySelected = errors.New("task already selected")

	// ErrEmptyPool is returned when rotation finds no tasks for an order.
	ErrEmptyPool = errors.New("task pool is empty")
)

// Pool coordinates statements and tasks for one store. The similarity
// threshold is configurable; 0.8 matches the historical default but is not a
// tuned value.
type Pool struct {
	store     db.Store
	threshold float64
}

func New(store db.Store, threshold float64) *Pool {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Pool{store: store, threshold: threshold}
}

// AddStatement appends a statement to the order's category after checking it
// against every existing statement in the same category. Identical text
// (case-insensitive, trimmed) or token-set similarity at or above the
// threshold is rejected with ErrDuplicateStatement.
func (p *Pool) AddStatement(ctx context.Context, orderID, category, text string) (*models.FocusStatement, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("statement text is empty")
	}

	existing, err := p.store.FocusStatements(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load statements: %w", err)
	}

	ordinal := 0
	for _, fs := range existing {
		if fs.Ordinal >= ordinal {
			ordinal = fs.Ordinal + 1
		}
		if fs.Category != category {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(fs.Text), text) || Jaccard(fs.Text, text) >= p.threshold {
			metrics.DuplicatesRejected.Inc()
			return nil, ErrDuplicateStatement
		}
	}

	fs := &models.FocusStatement{
		OrderID:  orderID,
		Category: category,
		Text:     text,
		Ordinal:  ordinal,
	}
	if err := p.store.AddFocusStatement(ctx, fs); err != nil {
		return nil, fmt.Errorf("failed to save statement: %w", err)
	}
	return fs, nil
}

// CategoryCount returns how many statements the order has in a category.
func (p *Pool) CategoryCount(ctx context.Context, orderID, category string) (int, error) {
	statements, err := p.store.FocusStatements(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load statements: %w", err)
	}
	count := 0
	for _, fs := range statements {
		if fs.Category == category {
			count++
		}
	}
	return count, nil
}

// SelectTask marks a task as chosen for plans with a bounded active pool.
// Re-selecting an already chosen task fails with ErrAlreadySelected. Returns
// the number of selected tasks after the operation.
func (p *Pool) SelectTask(ctx context.Context, orderID string, taskID int64) (int, error) {
	tasks, err := p.store.Tasks(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load tasks: %w", err)
	}

	selected := 0
	var target *models.Task
	for i := range tasks {
		if tasks[i].Selected {
			selected++
		}
		if tasks[i].ID == taskID {
			target = &tasks[i]
		}
	}
	if target == nil {
		return selected, db.ErrNotFound
	}
	if target.Selected {
		return selected, ErrAlreadySelected
	}

	if err := p.store.SetTaskSelected(ctx, taskID, true); err != nil {
		return selected, fmt.Errorf("failed to select task: %w", err)
	}
	return selected + 1, nil
}

// ResetSelection clears all selections for the order.
func (p *Pool) ResetSelection(ctx context.Context, orderID string) error {
	if err := p.store.ClearSelection(ctx, orderID); err != nil {
		return fmt.Errorf("failed to reset selection: %w", err)
	}
	return nil
}

// CompleteTask records a task completion.
func (p *Pool) CompleteTask(ctx context.Context, taskID int64) error {
	if err := p.store.CompleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return nil
}

// ActivePool returns the delivery pool for an order in generation order: the
// selected subset for capped plans, the full generated pool otherwise.
func (p *Pool) ActivePool(ctx context.Context, orderID string, plan models.Plan) ([]models.Task, error) {
	tasks, err := p.store.Tasks(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	if plan.SelectionCount == 0 {
		return tasks, nil
	}

	var selected []models.Task
	for _, t := range tasks {
		if t.Selected {
			selected = append(selected, t)
		}
	}
	return selected, nil
}

// NextTask returns the task to deliver next. While uncompleted tasks remain
// it walks the pool in generation order starting at the completion count, so
// no task is skipped; once the pool is exhausted it cycles deterministically
// at the count modulo pool size. The cursor sums completion events rather
// than completed flags, so repeat completions keep the cycle advancing
// instead of pinning it to the first task.
func (p *Pool) NextTask(ctx context.Context, orderID string, plan models.Plan) (*models.Task, error) {
	pool, err := p.ActivePool(ctx, orderID, plan)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		return nil, ErrEmptyPool
	}

	completed := 0
	for _, t := range pool {
		completed += t.Completions
	}

	if completed < len(pool) {
		for i := completed; i < len(pool); i++ {
			if pool[i].Status != models.TaskCompleted {
				task := pool[i]
				return &task, nil
			}
		}
		// Completions landed out of order; fall back to the first pending one.
		for i := range pool {
			if pool[i].Status != models.TaskCompleted {
				task := pool[i]
				return &task, nil
			}
		}
	}

	task := pool[completed%len(pool)]
	return &task, nil
}
