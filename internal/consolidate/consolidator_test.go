package consolidate_test

import (
	"math"
	"strings"
	"testing"

	"github.com/squorworks/pipeline/internal/consolidate"
	"github.com/squorworks/pipeline/pkg/models"
)

func multiRetailerMaggi() []models.Listing {
	return []models.Listing{
		{
			Retailer:      "bigbasket",
			URL:           "https://www.bigbasket.com/pd/266109/maggi-noodles/",
			Name:          "Maggi 2-Minute Masala Instant Noodles",
			Brand:         models.BrandField("Nestle"),
			Price:         14,
			MRP:           15,
			PackSize:      "70 g",
			Description:   "India's favourite instant noodles with masala tastemaker.",
			Category:      "Snacks/Noodles",
			Images:        []string{"https://cdn.bb.example/a.jpg", "https://cdn.bb.example/b.jpg"},
			Ingredients:   []string{"Wheat Flour", "Palm Oil", "Salt"},
			ExtractedData: map[string]any{"ean": "8901058000290"},
		},
		{
			Retailer:      "blinkit",
			URL:           "https://blinkit.com/prn/maggi/prid/12345",
			Name:          "Maggi Masala Noodles",
			Brand:         models.BrandField("Nestle"),
			Price:         15,
			MRP:           15,
			PackSize:      "70 g",
			Description:   "Instant noodles.",
			Images:        []string{"https://cdn.bk.example/c.jpg", "https://cdn.bb.example/a.jpg"},
			ExtractedData: map[string]any{"ean": "8901058000290"},
		},
		{
			Retailer:      "zepto",
			URL:           "https://www.zepto.com/product/maggi-9876",
			Name:          "Maggi 2-Minute Masala Instant Noodles 70g",
			Brand:         models.BrandField("Nestle"),
			Price:         13,
			MRP:           16,
			PackSize:      "70 g",
			ExtractedData: map[string]any{"ean": "8901058000290"},
		},
	}
}

func TestConsolidateGroupsByEAN(t *testing.T) {
	res := consolidate.Consolidate(multiRetailerMaggi())
	if len(res.Products) != 1 {
		t.Fatalf("got %d products, want 1", len(res.Products))
	}
	p := res.Products[0]
	if p.ProductKey != "ean_8901058000290" {
		t.Errorf("ProductKey = %q, want ean_8901058000290", p.ProductKey)
	}
	if p.SourceCount != 3 {
		t.Errorf("SourceCount = %d, want 3", p.SourceCount)
	}
	if len(p.SourceURLs) != 3 {
		t.Errorf("SourceURLs has %d entries, want 3", len(p.SourceURLs))
	}
}

func TestConsolidateMergeRules(t *testing.T) {
	res := consolidate.Consolidate(multiRetailerMaggi())
	p := res.Products[0]

	// Longest description wins.
	if !strings.Contains(p.Description, "tastemaker") {
		t.Errorf("Description = %q, want the longest candidate", p.Description)
	}

	// Image union preserves first-seen order and dedupes.
	wantImages := []string{
		"https://cdn.bb.example/a.jpg",
		"https://cdn.bb.example/b.jpg",
		"https://cdn.bk.example/c.jpg",
	}
	if len(p.Images) != len(wantImages) {
		t.Fatalf("Images = %v, want %v", p.Images, wantImages)
	}
	for i := range wantImages {
		if p.Images[i] != wantImages[i] {
			t.Errorf("Images[%d] = %q, want %q", i, p.Images[i], wantImages[i])
		}
	}

	// Price stats over the three sources.
	if p.MinPrice != 13 || p.MaxPrice != 15 {
		t.Errorf("price range = [%v, %v], want [13, 15]", p.MinPrice, p.MaxPrice)
	}
	if math.Abs(p.AvgPrice-14) > 1e-9 {
		t.Errorf("AvgPrice = %v, want 14", p.AvgPrice)
	}

	// Most frequent MRP wins.
	if p.MRP != 15 {
		t.Errorf("MRP = %v, want 15 (mode)", p.MRP)
	}
}

func TestConsolidateNamePicksFullest(t *testing.T) {
	res := consolidate.Consolidate(multiRetailerMaggi())
	p := res.Products[0]
	if p.Name != "Maggi 2-Minute Masala Instant Noodles 70g" {
		t.Errorf("Name = %q, want the most complete candidate", p.Name)
	}
}

func TestConsolidateDropsNameless(t *testing.T) {
	listings := []models.Listing{
		{Retailer: "zepto", URL: "https://www.zepto.com/product/x-1", Price: 10},
	}
	res := consolidate.Consolidate(listings)
	if len(res.Products) != 0 {
		t.Fatalf("got %d products, want 0", len(res.Products))
	}
	if len(res.Dropped) != 1 {
		t.Fatalf("got %d dropped, want 1", len(res.Dropped))
	}
	if !strings.Contains(res.Dropped[0].Reason, "name") {
		t.Errorf("drop reason = %q, want it to mention name", res.Dropped[0].Reason)
	}
}

func TestConsolidateSingleSource(t *testing.T) {
	listings := []models.Listing{
		{
			Retailer: "bigbasket",
			URL:      "https://www.bigbasket.com/pd/111/x/",
			Name:     "Amul Butter",
			Price:    60,
		},
	}
	res := consolidate.Consolidate(listings)
	if len(res.Products) != 1 {
		t.Fatalf("got %d products, want 1", len(res.Products))
	}
	p := res.Products[0]
	if p.Brand.String() != "Amul" {
		t.Errorf("Brand = %q, want first name token fallback", p.Brand.String())
	}
	if p.Confidence != 0.6 {
		t.Errorf("Confidence = %v, want 0.6 for single-source", p.Confidence)
	}
	if p.MinPrice != 60 || p.MaxPrice != 60 || p.AvgPrice != 60 {
		t.Errorf("price stats = [%v %v %v], want 60 across", p.MinPrice, p.MaxPrice, p.AvgPrice)
	}
}

func TestConsolidateConfidenceRange(t *testing.T) {
	res := consolidate.Consolidate(multiRetailerMaggi())
	c := res.Products[0].Confidence
	if c <= 0 || c > 1 {
		t.Errorf("Confidence = %v, want in (0, 1]", c)
	}
	// Three consistent, mostly complete sources should score high.
	if c < 0.8 {
		t.Errorf("Confidence = %v, want >= 0.8 for a rich three-source group", c)
	}
}

func TestConsolidateDeterministic(t *testing.T) {
	a := consolidate.Consolidate(multiRetailerMaggi())
	b := consolidate.Consolidate(multiRetailerMaggi())
	if len(a.Products) != len(b.Products) {
		t.Fatal("runs disagree on product count")
	}
	if a.Products[0].Name != b.Products[0].Name || a.Products[0].Confidence != b.Products[0].Confidence {
		t.Error("consolidation is not deterministic across runs")
	}
}
