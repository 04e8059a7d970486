// Package facts maps an analysis result onto the versioned fact families
// and computes the product score.
package facts

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/pkg/models"
)

// Scheme tags score rows with the rubric generation that produced them.
const Scheme = "SQUOR_V2"

var additiveRe = regexp.MustCompile(`(?i)^(e\s?\d{3}|ins\s?\d+)`)

var additiveWords = []string{
	"stabilizer", "stabiliser", "emulsifier", "thickener", "humectant",
	"acidity regulator", "raising agent", "flavour enhancer", "flavor enhancer",
	"anticaking", "preservative", "antioxidant", "colour", "color",
}

var allergenWords = []string{
	"milk", "wheat", "gluten", "soy", "soya", "nut", "peanut", "almond",
	"cashew", "sesame", "mustard", "egg", "fish", "shellfish", "celery",
}

// claimCategories maps category names to the keywords that select them.
// Order matters: the first matching category wins.
var claimCategories = []struct {
	name     string
	keywords []string
}{
	{"negative_claim", []string{"no added", "no artificial", "no preservatives", "free from", "-free", " free", "zero "}},
	{"health", []string{"protein", "vitamin", "fibre", "fiber", "calcium", "iron", "low fat", "low sugar", "healthy", "immunity", "wholegrain", "whole grain"}},
	{"environmental", []string{"recyclable", "sustainab", "eco-", "plastic neutral", "carbon", "biodegradable"}},
	{"origin", []string{"made in", "imported", "farm", "locally", "single origin", "estate"}},
	{"quality", []string{"premium", "finest", "authentic", "original", "100%", "pure", "fresh"}},
}

// Mapper writes analysis output into the fact families. Each family is
// written independently: one family failing never blocks the others.
type Mapper struct {
	store interface {
		store.FactStore
		store.ScoreStore
	}
}

func NewMapper(s interface {
	store.FactStore
	store.ScoreStore
}) *Mapper {
	return &Mapper{store: s}
}

// MapFacts writes the five fact families for one product version. When
// the result came from a duplicate analysis it only reaffirms the
// current rows. Returns the number of families written and the first
// error encountered, if any; partial success is success.
func (m *Mapper) MapFacts(ctx context.Context, productID, versionID string, res *models.AnalysisResult) (int, error) {
	if res.DuplicateAnalysis {
		if err := m.store.ReaffirmFacts(ctx, productID, time.Now()); err != nil {
			return 0, fmt.Errorf("reaffirm facts: %w", err)
		}
		log.Debug().Str("product_id", productID).Msg("facts reaffirmed, content unchanged")
		return 0, nil
	}

	written := 0
	var firstErr error
	record := func(family models.FactFamily, err error) {
		if err != nil {
			log.Warn().Err(err).
				Str("product_id", productID).
				Str("family", string(family)).
				Msg("fact family write failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", family, err)
			}
			return
		}
		written++
	}

	meta := models.FactMeta{ProductVersionID: versionID, Confidence: res.Confidence}

	record(models.FamilyIngredients, m.store.SaveIngredientsFact(ctx, productID, &models.IngredientsFact{
		FactMeta:   meta,
		RawText:    strings.Join(res.Ingredients, ", "),
		Normalized: normalizeItems(res.Ingredients),
		Tree:       BuildIngredientTree(res.Ingredients),
	}))

	record(models.FamilyNutrition, m.store.SaveNutritionFact(ctx, productID, &models.NutritionFact{
		FactMeta: meta,
		Per100g:  res.Nutrition,
	}))

	declared, mayContain := ScanAllergens(res.Ingredients, res.Warnings)
	record(models.FamilyAllergens, m.store.SaveAllergensFact(ctx, productID, &models.AllergensFact{
		FactMeta:   meta,
		Declared:   declared,
		MayContain: mayContain,
	}))

	record(models.FamilyClaims, m.store.SaveClaimsFact(ctx, productID, &models.ClaimsFact{
		FactMeta:   meta,
		Claims:     res.Claims,
		Categories: CategorizeClaims(res.Claims),
		Source:     "ai_analysis",
	}))

	record(models.FamilyCertifications, m.store.ReplaceCertifications(ctx, productID, certificationsFrom(res, meta)))

	return written, firstErr
}

// WriteScore converts the raw 0-5 component ratings into the 0-100
// weighted score and persists it with its components.
func (m *Mapper) WriteScore(ctx context.Context, versionID string, res *models.AnalysisResult) (*models.SquorScore, error) {
	components := make([]models.SquorComponent, 0, len(models.SquorComponentKeys))
	overall := 0.0
	original := make(map[string]any, len(models.SquorComponentKeys))

	for _, key := range models.SquorComponentKeys {
		rating := res.Squor.ByKey(key)
		value := float64(rating) * 20 // 0-5 -> 0-100
		weight := models.SquorWeights[key]
		overall += weight * value
		original[key] = rating
		components = append(components, models.SquorComponent{
			ComponentKey: key,
			Weight:       weight,
			Value:        value,
			Explain:      res.Squor.ReasonByKey(key),
		})
	}

	score := &models.SquorScore{
		ProductVersionID: versionID,
		Scheme:           Scheme,
		Score:            overall,
		Grade:            models.GradeForScore(overall),
		Breakdown: map[string]any{
			"original_scores": original,
			"weights":         models.SquorWeights,
			"scale":           "0-5 ratings x20",
			"model":           res.Model,
			"confidence":      res.Confidence,
		},
	}
	if err := m.store.CreateScore(ctx, score, components); err != nil {
		return nil, fmt.Errorf("create score: %w", err)
	}
	log.Info().
		Str("version_id", versionID).
		Float64("score", overall).
		Str("grade", score.Grade).
		Msg("🏅 score written")
	return score, nil
}

// BuildIngredientTree buckets an ingredient list: the first three items
// are the main ingredients, recognizable additives and allergens go to
// their own buckets.
func BuildIngredientTree(ingredients []string) models.IngredientTree {
	tree := models.IngredientTree{}
	for i, ing := range ingredients {
		ing = strings.TrimSpace(ing)
		if ing == "" {
			continue
		}
		if i < 3 {
			tree.MainIngredients = append(tree.MainIngredients, ing)
		}
		if isAdditive(ing) {
			tree.Additives = append(tree.Additives, ing)
		}
		if w := allergenIn(ing); w != "" && !contains(tree.Allergens, w) {
			tree.Allergens = append(tree.Allergens, w)
		}
	}
	return tree
}

// ScanAllergens splits allergen mentions into declared ("contains") and
// precautionary ("may contain") lists from ingredients and warnings.
func ScanAllergens(ingredients, warnings []string) (declared, mayContain []string) {
	for _, ing := range ingredients {
		if w := allergenIn(ing); w != "" && !contains(declared, w) {
			declared = append(declared, w)
		}
	}
	for _, warn := range warnings {
		w := allergenIn(warn)
		if w == "" {
			continue
		}
		if strings.Contains(strings.ToLower(warn), "may contain") {
			if !contains(mayContain, w) {
				mayContain = append(mayContain, w)
			}
		} else if !contains(declared, w) {
			declared = append(declared, w)
		}
	}
	return declared, mayContain
}

// CategorizeClaims groups marketing claims by keyword; unmatched claims
// land in "general".
func CategorizeClaims(claims []string) map[string][]string {
	if len(claims) == 0 {
		return nil
	}
	out := make(map[string][]string)
claims:
	for _, claim := range claims {
		lower := strings.ToLower(claim)
		for _, cat := range claimCategories {
			for _, kw := range cat.keywords {
				if strings.Contains(lower, kw) {
					out[cat.name] = append(out[cat.name], claim)
					continue claims
				}
			}
		}
		out["general"] = append(out["general"], claim)
	}
	return out
}

func certificationsFrom(res *models.AnalysisResult, meta models.FactMeta) []models.CertificationsFact {
	var out []models.CertificationsFact
	for _, claim := range res.Claims {
		lower := strings.ToLower(claim)
		for _, scheme := range []string{"fssai", "agmark", "iso ", "fssc", "organic certified", "halal", "kosher"} {
			if strings.Contains(lower, scheme) {
				out = append(out, models.CertificationsFact{
					FactMeta: meta,
					Scheme:   strings.TrimSpace(scheme),
					Issuer:   claim,
				})
				break
			}
		}
	}
	return out
}

func isAdditive(ing string) bool {
	lower := strings.ToLower(ing)
	if additiveRe.MatchString(lower) {
		return true
	}
	for _, w := range additiveWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func allergenIn(s string) string {
	lower := strings.ToLower(s)
	for _, w := range allergenWords {
		if strings.Contains(lower, w) {
			return w
		}
	}
	return ""
}

func normalizeItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			out = append(out, it)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
