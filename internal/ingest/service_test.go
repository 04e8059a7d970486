package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/pkg/models"
)

func sampleListings() []models.Listing {
	return []models.Listing{
		{
			Retailer:      "bigbasket",
			URL:           "https://www.bigbasket.com/pd/266109/maggi/",
			Name:          "Maggi 2-Minute Masala Instant Noodles",
			Brand:         models.BrandField("Nestle"),
			Price:         14,
			PackSize:      "70 g",
			Images:        []string{"a.jpg", "b.jpg", "c.jpg"},
			ExtractedData: map[string]any{"ean": "8901058000290"},
		},
		{
			Retailer:      "blinkit",
			URL:           "https://blinkit.com/prn/maggi/prid/12345",
			Name:          "Maggi Masala Noodles",
			Brand:         models.BrandField("Nestle"),
			Price:         15,
			PackSize:      "70 g",
			ExtractedData: map[string]any{"ean": "8901058000290"},
		},
		{
			Retailer: "zepto",
			URL:      "https://www.zepto.com/product/unbranded-4567",
			Name:     "Generic Salted Peanuts",
			Price:    40,
		},
	}
}

func TestIngestListingsEnqueues(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	svc := NewService(mem)

	res, err := svc.IngestListings(ctx, sampleListings(), false)
	if err != nil {
		t.Fatalf("IngestListings: %v", err)
	}
	// Two Maggi listings share an EAN; the peanuts stand alone.
	if res.Accepted != 2 {
		t.Fatalf("Accepted = %d, want 2", res.Accepted)
	}

	items, err := mem.ListWorkflows(ctx, store.WorkflowFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("workflows = %d, want 2", len(items))
	}
	for _, item := range items {
		if item.State != models.StateQueued {
			t.Errorf("item %s state = %s, want queued", item.ID, item.State)
		}
		if item.StageDetails.CrawlerData == nil {
			t.Errorf("item %s missing crawler data", item.ID)
		}
		if item.SourcePageID == "" {
			t.Errorf("item %s missing source page", item.ID)
		}
	}

	// Items are claimable right away.
	batch, err := mem.ClaimBatch(ctx, 10, time.Now())
	if err != nil || len(batch) != 2 {
		t.Fatalf("claim: %v (%d items)", err, len(batch))
	}
	// Maggi (nestle, 3 images) outranks the generic peanuts.
	if batch[0].StageDetails.CrawlerData.Name != "Maggi 2-Minute Masala Instant Noodles" {
		t.Errorf("first claim = %q, want the Maggi item", batch[0].StageDetails.CrawlerData.Name)
	}
}

func TestIngestRecordsAudit(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	svc := NewService(mem)

	res, err := svc.IngestListings(ctx, sampleListings()[:1], false)
	if err != nil {
		t.Fatal(err)
	}
	trs, err := mem.ListTransitions(ctx, res.WorkflowIDs[0], 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trs) != 1 || trs[0].FromState != models.StateCreated || trs[0].ToState != models.StateQueued {
		t.Errorf("transitions = %+v", trs)
	}
}

func TestIngestDropsNameless(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory())

	res, err := svc.IngestListings(ctx, []models.Listing{
		{Retailer: "zepto", URL: "https://x/1", Price: 5},
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 0 || len(res.Dropped) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		brand  string
		images int
		want   int
	}{
		{"Some Brand", 1, 5},
		{"Nestle", 1, 7},
		{"Nestlé Ltd", 3, 8},
		{"Britannia Industries", 3, 8},
		{"Unknown", 3, 6},
	}
	for _, tt := range tests {
		cp := &models.ConsolidatedProduct{
			Listing: models.Listing{
				Brand:  models.BrandField(tt.brand),
				Images: make([]string, tt.images),
			},
		}
		if got := PriorityFor(cp); got != tt.want {
			t.Errorf("PriorityFor(%q, %d images) = %d, want %d", tt.brand, tt.images, got, tt.want)
		}
	}
}
