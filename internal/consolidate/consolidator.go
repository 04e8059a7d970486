// Package consolidate groups raw listings from multiple retailers into
// canonical products and merges their fields.
package consolidate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/normalize"
	"github.com/squorworks/pipeline/pkg/models"
)

// specificPackUnits are pack-size units preferred over bulk units (kg, l).
var specificPackUnits = []string{"g", "ml", "pcs", "sachets"}

// importantFields is the denominator for field-completeness confidence.
const importantFields = 7

// Result is the outcome of one consolidation pass.
type Result struct {
	Products []models.ConsolidatedProduct
	Dropped  []models.DroppedListing
}

// Consolidate groups listings by unique product key and merges each group
// into one canonical product. Deterministic: the same inputs in the same
// order produce the same outputs in the same order.
func Consolidate(listings []models.Listing) Result {
	var res Result

	groups := make(map[string][]models.Listing)
	var order []string

	for i := range listings {
		l := listings[i]
		if strings.TrimSpace(l.Name) == "" {
			res.Dropped = append(res.Dropped, models.DroppedListing{
				Listing: l,
				Reason:  "missing required field: name",
			})
			continue
		}
		if l.Brand.String() == "" {
			// Recover the brand from the first token of the name.
			l.Brand = models.BrandField(strings.Fields(l.Name)[0])
		}
		key := normalize.UniqueKey(&l)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], l)
	}

	for _, key := range order {
		group := groups[key]
		merged := mergeGroup(key, group)
		res.Products = append(res.Products, merged)
	}

	log.Info().
		Int("listings", len(listings)).
		Int("products", len(res.Products)).
		Int("dropped", len(res.Dropped)).
		Msg("🧺 consolidated raw listings")
	return res
}

func mergeGroup(key string, group []models.Listing) models.ConsolidatedProduct {
	out := models.ConsolidatedProduct{
		Listing:     group[0],
		ProductKey:  key,
		SourceCount: len(group),
		SourceURLs:  make(map[string]string, len(group)),
	}
	for _, l := range group {
		out.Sources = append(out.Sources, l.Retailer)
		if l.URL != "" {
			out.SourceURLs[l.Retailer] = l.URL
		}
	}

	if len(group) == 1 {
		out.MinPrice, out.MaxPrice, out.AvgPrice = out.Price, out.Price, out.Price
		out.Confidence = singleSourceConfidence(&group[0])
		return out
	}

	out.Name = bestName(group)
	out.Brand = models.BrandField(firstNonEmpty(group, func(l *models.Listing) string { return l.Brand.String() }))
	out.Category = firstNonEmpty(group, func(l *models.Listing) string { return l.Category })
	out.Description = longestText(group, func(l *models.Listing) string { return l.Description })
	out.Images = unionImages(group)
	out.PackSize = bestPackSize(group)
	out.Ingredients = mergeTokenLists(group, func(l *models.Listing) []string { return l.Ingredients })
	out.Claims = mergeTokenLists(group, func(l *models.Listing) []string { return l.Claims })
	out.Nutrition = mergeNutrition(group)
	out.MinPrice, out.MaxPrice, out.AvgPrice = priceStats(group)
	out.Price = out.AvgPrice
	out.MRP = modeMRP(group)
	out.Confidence = confidence(&out, group)
	return out
}

// bestName picks the candidate that best reads as a complete product name:
// highest coverage of tokens seen across all candidates, tie-broken on
// length, then lexicographically for determinism.
func bestName(group []models.Listing) string {
	vocab := make(map[string]bool)
	for i := range group {
		for _, tok := range strings.Fields(strings.ToLower(group[i].Name)) {
			vocab[tok] = true
		}
	}

	best := ""
	bestCover := -1
	for i := range group {
		name := strings.TrimSpace(group[i].Name)
		if name == "" {
			continue
		}
		cover := 0
		for _, tok := range strings.Fields(strings.ToLower(name)) {
			if vocab[tok] {
				cover++
			}
		}
		switch {
		case cover > bestCover,
			cover == bestCover && len(name) > len(best),
			cover == bestCover && len(name) == len(best) && name < best:
			best, bestCover = name, cover
		}
	}
	return best
}

func unionImages(group []models.Listing) []string {
	seen := make(map[string]bool)
	var out []string
	for i := range group {
		for _, img := range group[i].Images {
			if img == "" || seen[img] {
				continue
			}
			seen[img] = true
			out = append(out, img)
		}
	}
	return out
}

func longestText(group []models.Listing, get func(*models.Listing) string) string {
	best := ""
	for i := range group {
		if v := strings.TrimSpace(get(&group[i])); len(v) > len(best) {
			best = v
		}
	}
	return best
}

// mergeTokenLists keeps the longest list and appends entries from shorter
// lists that add more than five unique tokens overall.
func mergeTokenLists(group []models.Listing, get func(*models.Listing) []string) []string {
	var longest []string
	for i := range group {
		if v := get(&group[i]); len(v) > len(longest) {
			longest = v
		}
	}
	if longest == nil {
		return nil
	}

	have := make(map[string]bool)
	for _, item := range longest {
		for _, tok := range strings.Fields(strings.ToLower(item)) {
			have[tok] = true
		}
	}

	out := append([]string(nil), longest...)
	for i := range group {
		candidate := get(&group[i])
		if len(candidate) == 0 || sameList(candidate, longest) {
			continue
		}
		novel := 0
		for _, item := range candidate {
			for _, tok := range strings.Fields(strings.ToLower(item)) {
				if !have[tok] {
					novel++
				}
			}
		}
		if novel > 5 {
			for _, item := range candidate {
				if !containsFold(out, item) {
					out = append(out, item)
				}
			}
		}
	}
	return out
}

func mergeNutrition(group []models.Listing) map[string]float64 {
	var out map[string]float64
	for i := range group {
		if len(group[i].Nutrition) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]float64)
		}
		for k, v := range group[i].Nutrition {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out
}

// bestPackSize prefers a value carrying a specific unit (g, ml, pcs,
// sachets) over bulk units, falling back to the first non-empty value.
func bestPackSize(group []models.Listing) string {
	fallback := ""
	for i := range group {
		v := strings.TrimSpace(group[i].PackOrWeight())
		if v == "" {
			continue
		}
		if fallback == "" {
			fallback = v
		}
		lower := strings.ToLower(v)
		for _, unit := range specificPackUnits {
			if strings.HasSuffix(lower, unit) && !strings.HasSuffix(lower, "kg") {
				return v
			}
		}
	}
	return fallback
}

func priceStats(group []models.Listing) (min, max, avg float64) {
	var prices []float64
	for i := range group {
		if group[i].Price > 0 {
			prices = append(prices, group[i].Price)
		}
	}
	if len(prices) == 0 {
		return 0, 0, 0
	}
	min, max = prices[0], prices[0]
	sum := 0.0
	for _, p := range prices {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
		sum += p
	}
	return min, max, sum / float64(len(prices))
}

// modeMRP returns the most frequent MRP across sources; ties go to the
// smallest value for determinism.
func modeMRP(group []models.Listing) float64 {
	counts := make(map[float64]int)
	for i := range group {
		if group[i].MRP > 0 {
			counts[group[i].MRP]++
		}
	}
	var keys []float64
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	best, bestCount := 0.0, 0
	for _, k := range keys {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	return best
}

// confidence scores a merged product in [0,1] from source count, field
// completeness, and price consistency.
func confidence(p *models.ConsolidatedProduct, group []models.Listing) float64 {
	sourceScore := math.Min(float64(len(group))/3.0, 1.0)

	present := 0
	for _, ok := range []bool{
		p.Name != "",
		p.Brand.String() != "",
		p.AvgPrice > 0,
		p.PackSize != "",
		len(p.Images) > 0,
		p.Description != "",
		p.Category != "",
	} {
		if ok {
			present++
		}
	}
	fieldScore := float64(present) / importantFields

	priceScore := 1.0
	var prices []float64
	for i := range group {
		if group[i].Price > 0 {
			prices = append(prices, group[i].Price)
		}
	}
	if len(prices) > 1 {
		mean := 0.0
		for _, v := range prices {
			mean += v
		}
		mean /= float64(len(prices))
		variance := 0.0
		for _, v := range prices {
			variance += (v - mean) * (v - mean)
		}
		stdev := math.Sqrt(variance / float64(len(prices)))
		if mean > 0 {
			priceScore = math.Max(0, 1-stdev/mean)
		}
	}

	return 0.3*sourceScore + 0.4*fieldScore + 0.3*priceScore
}

// singleSourceConfidence validates a pass-through listing. Listings reach
// here with a name (nameless ones were dropped earlier).
func singleSourceConfidence(l *models.Listing) float64 {
	return 0.6
}

func firstNonEmpty(group []models.Listing, get func(*models.Listing) string) string {
	for i := range group {
		if v := strings.TrimSpace(get(&group[i])); v != "" {
			return v
		}
	}
	return ""
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsFold(list []string, item string) bool {
	for _, v := range list {
		if strings.EqualFold(v, item) {
			return true
		}
	}
	return false
}

// Describe renders a short human summary for logs and admin responses.
func Describe(p *models.ConsolidatedProduct) string {
	return fmt.Sprintf("%s (%s) from %d source(s), confidence %.2f",
		p.Name, p.ProductKey, p.SourceCount, p.Confidence)
}
