// Package ingest accepts scraper payloads, consolidates them, and
// enqueues workflow items for processing.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/consolidate"
	"github.com/squorworks/pipeline/internal/normalize"
	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/pkg/models"
)

// majorBrands get a priority boost: their products move more volume and
// their pages change more often.
var majorBrands = map[string]bool{
	"nestle":             true,
	"hindustan unilever": true,
	"itc":                true,
	"britannia":          true,
}

// Result summarizes one ingest call.
type Result struct {
	Accepted    int                     `json:"accepted"`
	WorkflowIDs []string                `json:"workflow_ids"`
	Dropped     []models.DroppedListing `json:"dropped,omitempty"`
}

// Service turns raw listings into queued work.
type Service struct {
	store interface {
		store.SourcePageStore
		store.WorkflowStore
	}
}

func NewService(s interface {
	store.SourcePageStore
	store.WorkflowStore
}) *Service {
	return &Service{store: s}
}

// IngestListings consolidates the batch and enqueues one workflow item
// per consolidated product. Source pages are upserted first so the raw
// payload survives even if enqueueing fails.
func (s *Service) IngestListings(ctx context.Context, listings []models.Listing, forceReanalysis bool) (*Result, error) {
	if len(listings) == 0 {
		return &Result{}, nil
	}

	consolidated := consolidate.Consolidate(listings)
	res := &Result{Dropped: consolidated.Dropped}

	for i := range consolidated.Products {
		cp := consolidated.Products[i]

		var sourcePageID string
		for retailer, url := range cp.SourceURLs {
			page, err := s.store.UpsertSourcePage(ctx, &models.SourcePage{
				Retailer:      retailer,
				URL:           url,
				Title:         cp.Name,
				ContentHash:   normalize.ContentHash(&cp.Listing),
				ExtractedData: &cp.Listing,
			})
			if err != nil {
				log.Warn().Err(err).Str("url", url).Msg("source page upsert failed")
				continue
			}
			if sourcePageID == "" {
				sourcePageID = page.ID
			}
		}

		item := &models.WorkflowItem{
			SourcePageID: sourcePageID,
			Priority:     PriorityFor(&cp),
			State:        models.StateQueued,
			Stage:        models.StageDiscovery,
			StageDetails: models.StageDetails{
				CrawlerData:     &cp,
				ForceReanalysis: forceReanalysis,
			},
			QueuedAt: time.Now(),
		}
		if err := s.store.CreateWorkflow(ctx, item); err != nil {
			return res, fmt.Errorf("enqueue %s: %w", cp.ProductKey, err)
		}
		if err := s.store.AppendTransition(ctx, &models.WorkflowTransition{
			WorkflowID: item.ID,
			FromState:  models.StateCreated,
			ToState:    models.StateQueued,
			Reason:     "ingested",
			Actor:      "ingest",
		}); err != nil {
			log.Warn().Err(err).Str("workflow_id", item.ID).Msg("audit append failed")
		}

		res.Accepted++
		res.WorkflowIDs = append(res.WorkflowIDs, item.ID)
	}

	log.Info().
		Int("listings", len(listings)).
		Int("enqueued", res.Accepted).
		Int("dropped", len(res.Dropped)).
		Msg("📥 batch ingested")
	return res, nil
}

// PriorityFor scores a product for queue ordering: major brands and
// image-rich listings jump ahead.
func PriorityFor(cp *models.ConsolidatedProduct) int {
	p := models.PriorityDefault
	if majorBrands[normalize.NormalizeBrandString(cp.Brand.String())] {
		p += 2
	}
	if len(cp.Images) > 2 {
		p++
	}
	if p > models.PriorityMax {
		p = models.PriorityMax
	}
	return p
}
