package analyzer

import (
	"fmt"
	"strings"
)

// squorRubric is the full component rubric sent at standard and detailed
// levels. Ratings are integers 0-5 per component.
const squorRubric = `Rate each SQUOR component as an integer from 0 to 5:
- S (safety): additives, allergen clarity, regulatory red flags
- Q (quality): ingredient quality, processing level, nutrition density
- U (usability): label clarity, preparation effort, packaging
- O (origin): provenance transparency, sourcing claims
- R (responsibility): environmental and social claims, recyclability`

// jsonShape is the reply contract. The model must return exactly this
// object, with no prose around it.
const jsonShape = `{
  "product": {"name": "", "brand": "", "category": ""},
  "ingredients": [],
  "nutrition": {},
  "claims": [],
  "warnings": [],
  "squor": {"s": 0, "q": 0, "u": 0, "o": 0, "r": 0, "reasons": {"s": "", "q": "", "u": "", "o": "", "r": ""}},
  "verdict": {"overall_0_5": 0.0, "recommendation": ""},
  "best_image": {"index": 1, "reason": ""},
  "confidence": 0.0
}`

// BuildPrompt renders the analysis instruction for one request. The
// image URLs themselves are attached separately by the transport.
func BuildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You are a grocery product analyst. Analyze the product below using the supplied packaging images and listing data.\n\n")

	p := req.Product
	fmt.Fprintf(&b, "Product: %s\n", p.Name)
	if brand := p.Brand.String(); brand != "" {
		fmt.Fprintf(&b, "Brand: %s\n", brand)
	}
	if p.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", p.Category)
	}
	if p.PackSize != "" {
		fmt.Fprintf(&b, "Pack size: %s\n", p.PackSize)
	}
	if p.AvgPrice > 0 {
		fmt.Fprintf(&b, "Price: %.2f (range %.2f-%.2f across %d retailers)\n",
			p.AvgPrice, p.MinPrice, p.MaxPrice, p.SourceCount)
	}
	if len(p.Ingredients) > 0 {
		fmt.Fprintf(&b, "Listed ingredients: %s\n", strings.Join(p.Ingredients, ", "))
	}
	if len(p.Claims) > 0 {
		fmt.Fprintf(&b, "Listed claims: %s\n", strings.Join(p.Claims, ", "))
	}
	if req.Detail == DetailDetailed && p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	fmt.Fprintf(&b, "Images submitted: %d\n\n", len(req.Images))

	b.WriteString("Read ingredient lists and nutrition tables from the images; they override the listing data on conflict.\n\n")

	switch req.Detail {
	case DetailMinimal:
		b.WriteString("Rate each SQUOR component (s, q, u, o, r) as an integer from 0 to 5.\n\n")
	case DetailDetailed:
		b.WriteString(squorRubric)
		b.WriteString("\nExplain each rating in one sentence under squor.reasons.\n\n")
	default:
		b.WriteString(squorRubric)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "Pick the best packaging image as a 1-based index between 1 and %d.\n\n", max(len(req.Images), 1))
	b.WriteString("Reply with ONLY this JSON object, no markdown fences, no commentary:\n")
	b.WriteString(jsonShape)
	return b.String()
}
