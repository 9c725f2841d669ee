package job

import (
	"context"
	"testing"
	"time"

	"github.com/0xrifai/pharos-network/internal/automation"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	jobs := []*Job{
		{ID: "r1", TaskID: "a", Status: StatusPending},
		{ID: "r2", TaskID: "b", Status: StatusPending},
		{ID: "r3", TaskID: "c", Status: StatusPending},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create job %s: %v", job.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "r2", CodeJobProcessing, "boom", nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "r3", automation.Summary{Iterations: 1, Succeeded: 1}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["r1"].UpdatedAt = base.Unix()
	store.jobs["r2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["r3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r3" {
		t.Fatalf("expected newest job first, got %+v", all)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "r2" || failed[0].ErrorCode != string(CodeJobProcessing) {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	asc, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(2)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 2 || asc[0].ID != "r1" {
		t.Fatalf("unexpected ascending list: %+v", asc)
	}

	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(base.Add(45 * time.Second))}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "r3" {
		t.Fatalf("unexpected recent list: %+v", recent)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMemoryStoreRejectsSecondActiveRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "r1", TaskID: "t1", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, &Job{ID: "r2", TaskID: "t1", Status: StatusPending})
	if !IsJobError(err, CodeJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := store.Claim(ctx, "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); !IsJobError(err, CodeJobConflict) {
		t.Fatalf("expected running job to be unclaimable, got %v", err)
	}
	if err := store.MarkSucceeded(ctx, "r1", automation.Summary{}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); !IsJobError(err, CodeJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	if err := store.Create(ctx, &Job{ID: "r2", TaskID: "t1", Status: StatusPending}); err != nil {
		t.Fatalf("rerun after completion: %v", err)
	}
	latest, err := store.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "r2" {
		t.Fatalf("expected latest run r2, got %s", latest.ID)
	}
}
