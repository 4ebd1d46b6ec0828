package sqlite

import (
	"context"
	"testing"

	"github.com/michaelbrown/crucible/internal/storage"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetEvaluation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e := &storage.Evaluation{
		ID:        "e1",
		RuntimeID: "abcd1234-main",
		Container: "c1",
		Code:      "x = 1",
	}
	if err := store.CreateEvaluation(ctx, e); err != nil {
		t.Fatal(err)
	}
	if e.Status != storage.StatusPending {
		t.Errorf("status defaulted to %s, want pending", e.Status)
	}

	got, err := store.GetEvaluation(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RuntimeID != "abcd1234-main" || got.Container != "c1" || got.Code != "x = 1" {
		t.Errorf("unexpected record: %+v", got)
	}

	if _, err := store.GetEvaluation(ctx, "missing"); err == nil {
		t.Error("expected error for missing evaluation")
	}
}

func TestUpdateEvaluation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	e := &storage.Evaluation{ID: "e1", RuntimeID: "r1", Container: "c1", Code: "x = 1"}
	if err := store.CreateEvaluation(ctx, e); err != nil {
		t.Fatal(err)
	}

	e.Status = storage.StatusCompleted
	e.Value = "1"
	e.ElapsedMS = 7
	if err := store.UpdateEvaluation(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetEvaluation(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusCompleted || got.Value != "1" || got.ElapsedMS != 7 {
		t.Errorf("update not visible: %+v", got)
	}

	if err := store.UpdateEvaluation(ctx, &storage.Evaluation{ID: "missing"}); err == nil {
		t.Error("expected error updating missing evaluation")
	}
}

func TestListEvaluationsFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	records := []storage.Evaluation{
		{ID: "e1", RuntimeID: "r1", Container: "c1"},
		{ID: "e2", RuntimeID: "r1", Container: "c2"},
		{ID: "e3", RuntimeID: "r2", Container: "c1"},
	}
	for i := range records {
		if err := store.CreateEvaluation(ctx, &records[i]); err != nil {
			t.Fatal(err)
		}
	}

	evals, err := store.ListEvaluations(ctx, storage.EvaluationListOptions{RuntimeID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations for r1, got %d", len(evals))
	}

	evals, err = store.ListEvaluations(ctx, storage.EvaluationListOptions{RuntimeID: "r1", Container: "c2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evals) != 1 || evals[0].ID != "e2" {
		t.Fatalf("unexpected container filter result: %+v", evals)
	}
}

func TestMarkContainerCrashed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pending := &storage.Evaluation{ID: "e1", RuntimeID: "r1", Container: "c1"}
	done := &storage.Evaluation{ID: "e2", RuntimeID: "r1", Container: "c1", Status: storage.StatusCompleted}
	other := &storage.Evaluation{ID: "e3", RuntimeID: "r1", Container: "c2"}
	for _, e := range []*storage.Evaluation{pending, done, other} {
		if err := store.CreateEvaluation(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.MarkContainerCrashed(ctx, "r1", "c1", "worker killed")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("marked %d rows, want 1", n)
	}

	got, _ := store.GetEvaluation(ctx, "e1")
	if got.Status != storage.StatusCrashed || got.Error != "worker killed" {
		t.Errorf("pending evaluation not crashed: %+v", got)
	}
	got, _ = store.GetEvaluation(ctx, "e2")
	if got.Status != storage.StatusCompleted {
		t.Errorf("completed evaluation touched: %+v", got)
	}
	got, _ = store.GetEvaluation(ctx, "e3")
	if got.Status != storage.StatusPending {
		t.Errorf("sibling container touched: %+v", got)
	}
}

func TestMarkRuntimeGone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, e := range []*storage.Evaluation{
		{ID: "e1", RuntimeID: "r1", Container: "c1"},
		{ID: "e2", RuntimeID: "r1", Container: "c2"},
		{ID: "e3", RuntimeID: "r2", Container: "c1"},
	} {
		if err := store.CreateEvaluation(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.MarkRuntimeGone(ctx, "r1", "runtime disconnected")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("marked %d rows, want 2", n)
	}
	got, _ := store.GetEvaluation(ctx, "e3")
	if got.Status != storage.StatusPending {
		t.Errorf("other runtime touched: %+v", got)
	}
}
