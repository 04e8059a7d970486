package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/squorworks/pipeline/pkg/models"
)

func TestVersionSequenceUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := &models.Product{Name: "Maggi Noodles"}
	if err := m.CreateProduct(ctx, p); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	v1 := &models.ProductVersion{ProductID: p.ID, VersionSeq: 1, ContentHash: "aaa"}
	if err := m.CreateVersion(ctx, v1); err != nil {
		t.Fatalf("CreateVersion(1): %v", err)
	}
	dup := &models.ProductVersion{ProductID: p.ID, VersionSeq: 1, ContentHash: "bbb"}
	if err := m.CreateVersion(ctx, dup); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("duplicate seq error = %v, want ErrVersionConflict", err)
	}

	v2 := &models.ProductVersion{ProductID: p.ID, VersionSeq: 2, ContentHash: "bbb"}
	if err := m.CreateVersion(ctx, v2); err != nil {
		t.Fatalf("CreateVersion(2): %v", err)
	}
	latest, err := m.LatestVersion(ctx, p.ID)
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if latest.VersionSeq != 2 || latest.ContentHash != "bbb" {
		t.Errorf("latest = %+v, want seq 2", latest)
	}
}

func TestFindProductByKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := &models.Product{Name: "X", RetailerProductID: "bb_266109", ProductHash: "deadbeef"}
	if err := m.CreateProduct(ctx, p); err != nil {
		t.Fatal(err)
	}

	if got, err := m.FindProductByKey(ctx, "bb_266109", ""); err != nil || got.ID != p.ID {
		t.Errorf("by retailer id: (%v, %v)", got, err)
	}
	if got, err := m.FindProductByKey(ctx, "", "deadbeef"); err != nil || got.ID != p.ID {
		t.Errorf("by hash: (%v, %v)", got, err)
	}
	if _, err := m.FindProductByKey(ctx, "bb_nope", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("miss error = %v, want ErrNotFound", err)
	}
}

func TestFactsSCD2(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &models.IngredientsFact{Normalized: []string{"wheat flour", "salt"}}
	if err := m.SaveIngredientsFact(ctx, "prod-1", first); err != nil {
		t.Fatal(err)
	}
	second := &models.IngredientsFact{Normalized: []string{"wheat flour", "palm oil", "salt"}}
	if err := m.SaveIngredientsFact(ctx, "prod-1", second); err != nil {
		t.Fatal(err)
	}

	set, err := m.CurrentFacts(ctx, "prod-1")
	if err != nil {
		t.Fatal(err)
	}
	if set.Ingredients == nil {
		t.Fatal("no current ingredients fact")
	}
	if len(set.Ingredients.Normalized) != 3 {
		t.Errorf("current fact = %+v, want the second row", set.Ingredients)
	}

	// Old row must be closed, not deleted.
	if len(m.ingredients["prod-1"]) != 2 {
		t.Fatalf("history rows = %d, want 2", len(m.ingredients["prod-1"]))
	}
	old := m.ingredients["prod-1"][0]
	if old.IsCurrent || old.ValidTo == nil {
		t.Errorf("first row not closed: current=%v valid_to=%v", old.IsCurrent, old.ValidTo)
	}
}

func TestReaffirmFacts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SaveClaimsFact(ctx, "prod-1", &models.ClaimsFact{Claims: []string{"No added MSG"}}); err != nil {
		t.Fatal(err)
	}

	at := time.Now().Add(time.Hour)
	if err := m.ReaffirmFacts(ctx, "prod-1", at); err != nil {
		t.Fatal(err)
	}
	set, _ := m.CurrentFacts(ctx, "prod-1")
	if set.Claims == nil || set.Claims.LastConfirmedAt == nil || !set.Claims.LastConfirmedAt.Equal(at) {
		t.Errorf("claims fact not reaffirmed: %+v", set.Claims)
	}
	if !set.Claims.IsCurrent {
		t.Error("reaffirm closed the current row")
	}
}

func TestClaimBatchOrderingAndExclusivity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	low := &models.WorkflowItem{ID: "low", State: models.StateQueued, Priority: 3, QueuedAt: now}
	high := &models.WorkflowItem{ID: "high", State: models.StateQueued, Priority: 9, QueuedAt: now}
	done := &models.WorkflowItem{ID: "done", State: models.StateCompleted, Priority: 9, QueuedAt: now}
	notDue := &models.WorkflowItem{ID: "later", State: models.StateRetrying, Priority: 9, QueuedAt: now}
	soon := now.Add(time.Hour)
	notDue.NextRetryAt = &soon
	for _, it := range []*models.WorkflowItem{low, high, done, notDue} {
		if err := m.CreateWorkflow(ctx, it); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := m.ClaimBatch(ctx, 10, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("claimed %d, want 2", len(batch))
	}
	if batch[0].ID != "high" || batch[1].ID != "low" {
		t.Errorf("claim order = [%s %s], want [high low]", batch[0].ID, batch[1].ID)
	}
	for _, it := range batch {
		if it.State != models.StateProcessing {
			t.Errorf("claimed item %s state = %s, want processing", it.ID, it.State)
		}
	}

	// A second claimer must see nothing.
	again, err := m.ClaimBatch(ctx, 10, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second claim got %d items, want 0", len(again))
	}
}

func TestClaimBatchLeavesAuditTrail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	item := &models.WorkflowItem{State: models.StateQueued, Priority: 5, QueuedAt: now}
	if err := m.CreateWorkflow(ctx, item); err != nil {
		t.Fatal(err)
	}
	batch, err := m.ClaimBatch(ctx, 1, now)
	if err != nil || len(batch) != 1 {
		t.Fatalf("claim: %v (%d items)", err, len(batch))
	}

	trs, err := m.ListTransitions(ctx, item.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var claimed *models.WorkflowTransition
	for i := range trs {
		if trs[i].ToState == models.StateProcessing {
			claimed = &trs[i]
			break
		}
	}
	if claimed == nil {
		t.Fatal("claim left no transition row")
	}
	if claimed.FromState != models.StateQueued {
		t.Errorf("from = %s, want queued", claimed.FromState)
	}
	if claimed.Actor != "worker" {
		t.Errorf("actor = %q, want worker", claimed.Actor)
	}
}

func TestClaimBatchConcurrentUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	for i := 0; i < 20; i++ {
		if err := m.CreateWorkflow(ctx, &models.WorkflowItem{
			State: models.StateQueued, Priority: 5, QueuedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := m.ClaimBatch(ctx, 10, now)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			for _, it := range batch {
				seen[it.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Errorf("claimed %d distinct items, want 20", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("item %s claimed %d times", id, n)
		}
	}
}

func TestTryLockWorkflow(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	release, err := m.TryLockWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryLockWorkflow(ctx, "wf-1"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second lock error = %v, want ErrLockHeld", err)
	}

	release()
	release() // double release is safe

	if _, err := m.TryLockWorkflow(ctx, "wf-1"); err != nil {
		t.Fatalf("relock after release: %v", err)
	}
}

func TestPruneTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	m.AppendTransition(ctx, &models.WorkflowTransition{WorkflowID: "wf", CreatedAt: old})
	m.AppendTransition(ctx, &models.WorkflowTransition{WorkflowID: "wf", CreatedAt: recent})

	pruned, err := m.PruneTransitions(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	rest, _ := m.ListTransitions(ctx, "wf", 0)
	if len(rest) != 1 {
		t.Errorf("remaining = %d, want 1", len(rest))
	}
}

func TestUpsertSourcePageKeepsFirstSeen(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a, err := m.UpsertSourcePage(ctx, &models.SourcePage{Retailer: "bigbasket", URL: "https://x/1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.UpsertSourcePage(ctx, &models.SourcePage{Retailer: "bigbasket", URL: "https://x/1", ContentHash: "h2"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("upsert created a second page: %s vs %s", a.ID, b.ID)
	}
	if !b.FirstSeenAt.Equal(a.FirstSeenAt) {
		t.Error("first_seen_at changed on upsert")
	}
	if b.ContentHash != "h2" {
		t.Errorf("content hash = %q, want h2", b.ContentHash)
	}
	if b.LastSeenAt.Before(a.LastSeenAt) {
		t.Error("last_seen_at not advanced")
	}
}

func TestLatestScore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := &models.Product{Name: "X"}
	m.CreateProduct(ctx, p)
	v := &models.ProductVersion{ProductID: p.ID, VersionSeq: 1, ContentHash: "h"}
	m.CreateVersion(ctx, v)

	s := &models.SquorScore{ProductVersionID: v.ID, Scheme: "SQUOR_V2", Score: 54, Grade: "C"}
	comps := []models.SquorComponent{{ComponentKey: "safety", Weight: 0.25, Value: 60}}
	if err := m.CreateScore(ctx, s, comps); err != nil {
		t.Fatal(err)
	}

	got, gotComps, err := m.LatestScore(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Score != 54 || got.Grade != "C" {
		t.Errorf("score = %+v", got)
	}
	if len(gotComps) != 1 || gotComps[0].SquorID != got.ID {
		t.Errorf("components = %+v", gotComps)
	}
}
