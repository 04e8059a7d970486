package normalize_test

import (
	"strings"
	"testing"

	"github.com/squorworks/pipeline/internal/normalize"
	"github.com/squorworks/pipeline/pkg/models"
)

func maggiListing() *models.Listing {
	return &models.Listing{
		Retailer: "bigbasket",
		URL:      "https://www.bigbasket.com/pd/266109/maggi-2-minute-masala-instant-noodles-70-g/",
		Name:     "Maggi 2-Minute Masala Instant Noodles",
		Brand:    models.BrandField("Nestle"),
		Price:    14,
		MRP:      15,
		PackSize: "70 g",
		Images:   []string{"https://cdn.example.com/a.jpg", "https://cdn.example.com/b.jpg"},
		Category: "Snacks/Noodles",
	}
}

func TestContentHashDeterminism(t *testing.T) {
	a := maggiListing()
	b := maggiListing()

	// Query strings, case, and surrounding whitespace must not change the hash.
	b.Images = []string{
		"https://cdn.example.com/b.jpg?tr=w-400#frag",
		"https://cdn.example.com/a.jpg?quality=80",
	}
	b.Name = "  MAGGI 2-Minute Masala Instant Noodles "
	b.Category = "snacks/noodles"

	if got, want := normalize.ContentHash(b), normalize.ContentHash(a); got != want {
		t.Errorf("ContentHash() differs for logically identical content:\n  %s\n  %s", got, want)
	}
}

func TestContentHashChangesWithPrice(t *testing.T) {
	a := maggiListing()
	b := maggiListing()
	b.Price = 15

	if normalize.ContentHash(a) == normalize.ContentHash(b) {
		t.Error("ContentHash() unchanged after price change")
	}
}

func TestContentHashSortsLists(t *testing.T) {
	a := maggiListing()
	a.Ingredients = []string{"Wheat Flour", "Palm Oil", "Salt"}
	b := maggiListing()
	b.Ingredients = []string{"salt", "wheat flour", "palm oil"}

	if normalize.ContentHash(a) != normalize.ContentHash(b) {
		t.Error("ContentHash() sensitive to ingredient order/case")
	}
}

func TestUniqueKeyPriority(t *testing.T) {
	l := maggiListing()

	// With an EAN present, the EAN wins.
	l.ExtractedData = map[string]any{"ean": "8901058000290"}
	if got := normalize.UniqueKey(l); got != "ean_8901058000290" {
		t.Errorf("UniqueKey() = %q, want ean_8901058000290", got)
	}

	// Without an EAN, the retailer product id from the URL.
	l.ExtractedData = nil
	if got := normalize.UniqueKey(l); got != "bb_266109" {
		t.Errorf("UniqueKey() = %q, want bb_266109", got)
	}

	// Without either, the brand|name|pack hash.
	l.URL = "https://example.com/x"
	got := normalize.UniqueKey(l)
	if !strings.HasPrefix(got, "hash_") || len(got) != len("hash_")+16 {
		t.Errorf("UniqueKey() = %q, want hash_ prefix with 16 hex chars", got)
	}
}

func TestUniqueKeyRejectsShortEAN(t *testing.T) {
	l := maggiListing()
	l.ExtractedData = map[string]any{"ean": "12345"}
	if got := normalize.UniqueKey(l); strings.HasPrefix(got, "ean_") {
		t.Errorf("UniqueKey() = %q accepted a short EAN", got)
	}
}

func TestRetailerProductID(t *testing.T) {
	tests := []struct {
		retailer, url, want string
	}{
		{"bigbasket", "https://www.bigbasket.com/pd/40328023/some-product/", "bb_40328023"},
		{"blinkit", "https://blinkit.com/prn/some-product/prid/12345", "bk_12345"},
		{"zepto", "https://www.zepto.com/product/some-product-9876", "ze_9876"},
		{"unknown", "https://shop.example.com/p/1", ""},
		{"bigbasket", "https://www.bigbasket.com/cat/snacks/", ""},
	}
	for _, tt := range tests {
		if got := normalize.RetailerProductID(tt.url, tt.retailer); got != tt.want {
			t.Errorf("RetailerProductID(%q, %q) = %q, want %q", tt.url, tt.retailer, got, tt.want)
		}
	}
}

func TestNormalizeBrandString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Nestle", "nestle"},
		{"Nestlé", "nestle"},
		{"  Britannia   Industries Ltd  ", "britannia"},
		{"Hindustan Unilever Limited", "hindustan unilever"},
		{"ITC Foods Pvt. Ltd.", "itc"},
		{"Co", "co"}, // a lone token is never stripped
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalize.NormalizeBrandString(tt.in); got != tt.want {
			t.Errorf("NormalizeBrandString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestShouldCreateNewVersion(t *testing.T) {
	l := maggiListing()
	h := normalize.ContentHash(l)

	create, reason := normalize.ShouldCreateNewVersion(l, "")
	if !create || reason != "No previous version exists" {
		t.Errorf("ShouldCreateNewVersion(no prior) = (%v, %q)", create, reason)
	}

	create, reason = normalize.ShouldCreateNewVersion(l, h)
	if create {
		t.Errorf("ShouldCreateNewVersion(same hash) = (%v, %q), want false", create, reason)
	}
	if !strings.Contains(reason, "Content identical") {
		t.Errorf("reason = %q, want identical-content reason", reason)
	}

	l.Price = 99
	create, reason = normalize.ShouldCreateNewVersion(l, h)
	if !create || !strings.Contains(reason, "Content changed") {
		t.Errorf("ShouldCreateNewVersion(changed) = (%v, %q)", create, reason)
	}
}

func TestProductHashStable(t *testing.T) {
	a := normalize.ProductHash("Nestle", "Maggi Noodles", "70 g")
	b := normalize.ProductHash(" nestle ", " maggi noodles ", " 70 G ")
	if a != b {
		t.Errorf("ProductHash() not normalized: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("ProductHash() length = %d, want 64", len(a))
	}
}
