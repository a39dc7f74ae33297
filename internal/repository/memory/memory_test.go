package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/proxbalance/proxbalance/internal/domain"
)

// ============================================================================
// History
// ============================================================================

func TestHistoryRepository_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewHistoryRepository()

	for _, guest := range []string{"100", "101", "100"} {
		if err := repo.Append(ctx, &domain.HistoryEntry{GuestID: guest}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	all, _ := repo.List(ctx, domain.HistoryFilter{})
	if len(all) != 3 || all[0].GuestID != "100" || all[1].GuestID != "101" {
		t.Fatalf("unexpected order: %+v", all)
	}

	limited, _ := repo.List(ctx, domain.HistoryFilter{GuestID: "100", Limit: 1})
	if len(limited) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(limited))
	}

	// Returned entries are copies.
	all[0].GuestID = "mutated"
	again, _ := repo.List(ctx, domain.HistoryFilter{})
	if again[0].GuestID != "100" {
		t.Error("List leaked internal state")
	}
}

// ============================================================================
// Runs
// ============================================================================

func TestRunRepository_Ring(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository(2)

	if _, err := repo.Latest(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	for i := 0; i < 3; i++ {
		repo.Record(ctx, &domain.RunSummary{ID: fmt.Sprintf("run-%d", i)})
	}
	repo.Record(ctx, &domain.RunSummary{ID: "run-1", Outcome: domain.RunOutcomeAborted})

	runs, _ := repo.List(ctx, 0)
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("unexpected runs: %s, %s", runs[0].ID, runs[1].ID)
	}
	if runs[1].Outcome != domain.RunOutcomeAborted {
		t.Errorf("Expected upserted outcome, got %s", runs[1].Outcome)
	}
}

// ============================================================================
// Sessions
// ============================================================================

func TestSessionRepository_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()

	s := &domain.EvacuationSession{Node: "pve1"}
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			repo.Update(ctx, s.ID, func(s *domain.EvacuationSession) error {
				s.AddResult(domain.GuestResult{GuestID: fmt.Sprint(i), Status: domain.GuestResultSuccess})
				return nil
			})
		}(i)
	}
	wg.Wait()

	got, err := repo.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Progress.Processed != 20 || len(got.Results) != 20 {
		t.Errorf("Expected 20 results, got %d/%d", got.Progress.Processed, len(got.Results))
	}
}

func TestSessionRepository_FailedUpdateDiscarded(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepository()

	s := &domain.EvacuationSession{Node: "pve1", StartedAt: time.Now()}
	repo.Create(ctx, s)

	_, err := repo.Update(ctx, s.ID, func(s *domain.EvacuationSession) error {
		s.Status = domain.SessionStatusFailed
		return domain.ErrConflict
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	got, _ := repo.Get(ctx, s.ID)
	if got.Status == domain.SessionStatusFailed {
		t.Error("failed mutation was persisted")
	}

	if err := repo.Create(ctx, &domain.EvacuationSession{ID: s.ID}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}
}
