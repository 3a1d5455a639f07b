package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/splax/permadeploy/internal/domain"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store := NewFileStore(filepath.Join(t.TempDir(), "registry", "global.json"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func sampleRecord(owner, repo string) domain.DeploymentRecord {
	return domain.DeploymentRecord{
		Owner:           owner,
		RepoName:        repo,
		Repository:      "https://example.com/" + owner + "/" + repo + ".git",
		Branch:          "main",
		InstallCommand:  "npm ci",
		BuildCommand:    "npm run build",
		OutputDir:       "dist",
		LastBuiltCommit: "abc",
		URL:             "addr-1",
		MaxDailyDeploys: 3,
	}
}

func TestFileStoreInitIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Add(ctx, sampleRecord("alice", "site")); err != nil {
		t.Fatalf("add: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Init(ctx); err != nil {
				t.Errorf("init: %v", err)
			}
		}()
	}
	wg.Wait()
	records, err := store.Global(ctx)
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("init must not clobber existing data, got %d records", len(records))
	}
	data, err := os.ReadFile(store.Path())
	if err != nil || len(data) == 0 {
		t.Fatalf("expected registry file, err=%v", err)
	}
}

func TestFileStoreAddEnforcesOwnerInvariant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Add(ctx, sampleRecord("alice", "site")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Add(ctx, sampleRecord("alice", "site")); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := store.Add(ctx, sampleRecord("alice", "blog")); !errors.Is(err, ErrOwnerConflict) {
		t.Fatalf("expected ErrOwnerConflict, got %v", err)
	}
	if err := store.Add(ctx, sampleRecord("../x", "site")); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	rec, err := store.FindByOwner(ctx, "alice")
	if err != nil || rec.RepoName != "site" {
		t.Fatalf("unexpected owner lookup %+v err=%v", rec, err)
	}
	if rec.DeployCount != 0 || rec.QuotaDay == "" || rec.CreatedAt.IsZero() {
		t.Fatalf("expected prepared record, got %+v", rec)
	}
}

func TestFileStoreUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Update(ctx, "alice", "site", Patch{URL: String("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Add(ctx, sampleRecord("alice", "site")); err != nil {
		t.Fatalf("add: %v", err)
	}
	updated, err := store.Update(ctx, "alice", "site", Patch{
		LastBuiltCommit:      String("def"),
		URL:                  String("addr-2"),
		IncrementDeployCount: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.LastBuiltCommit != "def" || updated.URL != "addr-2" || updated.DeployCount != 1 {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if updated.Branch != "main" || updated.Owner != "alice" || updated.RepoName != "site" {
		t.Fatalf("update must keep untouched fields, got %+v", updated)
	}
	reloaded := NewFileStore(store.Path())
	cfg, err := reloaded.IndividualConfig(ctx, "alice", "site")
	if err != nil {
		t.Fatalf("individual config: %v", err)
	}
	if cfg.URL != "addr-2" {
		t.Fatalf("update not durable, got %+v", cfg)
	}
	count, err := reloaded.DeployCount(ctx, "alice", "site")
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d err=%v", count, err)
	}
}

func TestFileStoreQuotaResetsOnNewDay(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return day }
	if err := store.Add(ctx, sampleRecord("alice", "site")); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Update(ctx, "alice", "site", Patch{IncrementDeployCount: true}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if count, _ := store.DeployCount(ctx, "alice", "site"); count != 3 {
		t.Fatalf("expected 3 deploys, got %d", count)
	}
	store.now = func() time.Time { return day.Add(2 * time.Hour) }
	if count, _ := store.DeployCount(ctx, "alice", "site"); count != 0 {
		t.Fatalf("expected reset count, got %d", count)
	}
	rec, err := store.Update(ctx, "alice", "site", Patch{IncrementDeployCount: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.DeployCount != 1 || rec.QuotaDay != "2024-05-02" {
		t.Fatalf("expected new day to start at 1, got %+v", rec)
	}
}

func TestFileStoreRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Add(ctx, sampleRecord("alice", "site")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.Remove(ctx, "alice", "site"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get(ctx, "alice", "site"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Remove(ctx, "alice", "site"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestFileStoreConcurrentOwners(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("owner%d", i)
			if err := store.Add(ctx, sampleRecord(owner, "site")); err != nil {
				t.Errorf("add %s: %v", owner, err)
				return
			}
			if _, err := store.Update(ctx, owner, "site", Patch{IncrementDeployCount: true}); err != nil {
				t.Errorf("update %s: %v", owner, err)
			}
		}(i)
	}
	wg.Wait()
	records, err := store.Global(ctx)
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if len(records) != 20 {
		t.Fatalf("expected 20 records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.DeployCount != 1 {
			t.Fatalf("lost update for %s: %+v", rec.Owner, rec)
		}
	}
}
