package analyzer

import (
	"strings"
	"testing"

	"github.com/squorworks/pipeline/pkg/models"
)

func promptRequest(detail DetailLevel) Request {
	return Request{
		Product: models.ConsolidatedProduct{
			Listing: models.Listing{
				Name:        "Maggi 2-Minute Masala Instant Noodles",
				Brand:       models.BrandField("Nestle"),
				Category:    "Instant Noodles",
				PackSize:    "70 g",
				Ingredients: []string{"wheat flour", "palm oil"},
				Description: "A long marketing description.",
			},
			AvgPrice:    14,
			MinPrice:    13,
			MaxPrice:    15,
			SourceCount: 3,
		},
		Images: []string{"https://cdn.example.com/a.jpg", "https://cdn.example.com/b.jpg"},
		Detail: detail,
	}
}

func TestBuildPromptCarriesContract(t *testing.T) {
	p := BuildPrompt(promptRequest(DetailStandard))

	for _, want := range []string{
		"Maggi 2-Minute Masala Instant Noodles",
		"Nestle",
		"70 g",
		`"squor"`,
		"ONLY this JSON",
		"1-based index between 1 and 2",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildPromptDetailLevels(t *testing.T) {
	minimal := BuildPrompt(promptRequest(DetailMinimal))
	standard := BuildPrompt(promptRequest(DetailStandard))
	detailed := BuildPrompt(promptRequest(DetailDetailed))

	if strings.Contains(minimal, "regulatory red flags") {
		t.Error("minimal prompt carries the full rubric")
	}
	if !strings.Contains(standard, "regulatory red flags") {
		t.Error("standard prompt dropped the rubric")
	}
	if !strings.Contains(detailed, "squor.reasons") {
		t.Error("detailed prompt does not ask for reasons")
	}
	if !strings.Contains(detailed, "marketing description") {
		t.Error("detailed prompt dropped the description")
	}
	if strings.Contains(standard, "marketing description") {
		t.Error("standard prompt should omit the description")
	}
}
