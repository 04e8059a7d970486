// Package normalize computes canonical forms of raw product data: the
// content hash that drives version creation, the unique product key used
// for cross-retailer grouping, and brand-name normalization.
//
// Everything here is a pure function. Missing fields are treated as
// empty/zero, never as errors.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/squorworks/pipeline/pkg/models"
)

// eanFields are the payload keys checked, in order, for an EAN/GTIN code.
var eanFields = []string{
	"ean", "ean_code", "gtin", "gtin_primary", "barcode",
	"upc", "isbn", "product_code",
}

// brandSuffixes are corporate suffixes stripped during brand normalization.
var brandSuffixes = map[string]bool{
	"ltd": true, "limited": true, "inc": true, "corp": true,
	"llc": true, "llp": true, "pvt": true, "private": true,
	"co": true, "company": true, "industries": true, "foods": true,
	"brands": true, "group": true,
}

var (
	bigbasketRe = regexp.MustCompile(`/pd/(\d+)/`)
	blinkitRe   = regexp.MustCompile(`/prid/(\d+)`)
	zeptoRe     = regexp.MustCompile(`/product/.*-(\d+)$`)
)

// ContentHash returns the SHA-256 hex digest of the canonical-JSON
// serialization of a listing's semantic content. Identical logical content
// always maps to the same hash: strings are lowercased and trimmed, lists
// and maps sorted, image URLs stripped of query strings and fragments.
func ContentHash(l *models.Listing) string {
	fields := map[string]any{
		"name":        strings.ToLower(strings.TrimSpace(l.Name)),
		"brand":       NormalizeBrandString(l.Brand.String()),
		"price":       l.Price,
		"weight":      strings.TrimSpace(l.Weight),
		"pack_size":   strings.TrimSpace(l.PackSize),
		"description": strings.ToLower(strings.TrimSpace(l.Description)),
		"ingredients": normalizeList(l.Ingredients),
		"nutrition":   normalizeNutrition(l.Nutrition),
		"claims":      normalizeList(l.Claims),
		"images":      normalizeImageURLs(l.Images),
		"category":    strings.ToLower(strings.TrimSpace(l.Category)),
	}

	// encoding/json sorts map keys and emits no insignificant whitespace,
	// which gives the canonical form both sides of the contract agree on.
	data, _ := json.Marshal(fields)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShouldCreateNewVersion decides whether new content warrants a fresh
// product version given the previous version's hash.
func ShouldCreateNewVersion(current *models.Listing, previousHash string) (bool, string) {
	if previousHash == "" {
		return true, "No previous version exists"
	}
	h := ContentHash(current)
	if h != previousHash {
		return true, fmt.Sprintf("Content changed (hash: %.8s...)", h)
	}
	return false, fmt.Sprintf("Content identical (hash: %.8s...)", h)
}

// UniqueKey returns the unique product key for a listing, in priority
// order: EAN code, retailer product id parsed from the URL, then a hash
// over brand|name|pack size.
func UniqueKey(l *models.Listing) string {
	if ean := ExtractEAN(l); ean != "" {
		return "ean_" + ean
	}
	if rid := RetailerProductID(l.URL, l.Retailer); rid != "" {
		return rid
	}
	return "hash_" + ProductHash(l.Brand.String(), l.Name, l.PackOrWeight())[:16]
}

// ExtractEAN looks for an EAN/GTIN code in the listing's direct fields,
// extracted data, and metadata. Valid codes are at least 8 characters.
func ExtractEAN(l *models.Listing) string {
	for _, bag := range []map[string]any{l.ExtractedData, l.Metadata} {
		if code := eanFromBag(bag); code != "" {
			return code
		}
	}
	return ""
}

func eanFromBag(bag map[string]any) string {
	if bag == nil {
		return ""
	}
	for _, field := range eanFields {
		v, ok := bag[field]
		if !ok || v == nil {
			continue
		}
		code := strings.TrimSpace(fmt.Sprintf("%v", v))
		if len(code) >= 8 {
			return code
		}
	}
	return ""
}

// RetailerProductID extracts the retailer-specific product id from a
// product URL, prefixed with a short retailer code.
func RetailerProductID(url, retailer string) string {
	switch strings.ToLower(retailer) {
	case "bigbasket":
		if m := bigbasketRe.FindStringSubmatch(url); m != nil {
			return "bb_" + m[1]
		}
	case "blinkit":
		if m := blinkitRe.FindStringSubmatch(url); m != nil {
			return "bk_" + m[1]
		}
	case "zepto":
		if m := zeptoRe.FindStringSubmatch(url); m != nil {
			return "ze_" + m[1]
		}
	}
	return ""
}

// ProductHash returns the SHA-256 hex digest over "brand|name|pack",
// all lowercased and trimmed.
func ProductHash(brand, name, packSize string) string {
	id := strings.ToLower(strings.TrimSpace(brand)) + "|" +
		strings.ToLower(strings.TrimSpace(name)) + "|" +
		strings.ToLower(strings.TrimSpace(packSize))
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// NormalizeBrandString canonicalizes a brand name: accent folding,
// lowercase, collapsed whitespace, trailing corporate suffixes removed.
func NormalizeBrandString(brand string) string {
	s := foldAccents(strings.TrimSpace(brand))
	s = strings.ToLower(s)
	tokens := strings.Fields(s)
	for len(tokens) > 1 {
		last := strings.Trim(tokens[len(tokens)-1], ".,")
		if !brandSuffixes[last] {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// foldAccents strips combining marks after NFKD decomposition.
func foldAccents(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeList(items []string) []string {
	if len(items) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			out = append(out, it)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeNutrition(n map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(n))
	for k, v := range n {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func normalizeImageURLs(urls []string) []string {
	if len(urls) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		// CDN query params and fragments don't change image identity.
		u = strings.SplitN(u, "?", 2)[0]
		u = strings.SplitN(u, "#", 2)[0]
		out = append(out, strings.TrimSpace(u))
	}
	sort.Strings(out)
	return out
}
