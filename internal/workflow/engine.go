// Package workflow drives work items through the processing stages and
// owns the state machine, retries, and quota suspension.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/analyzer"
	"github.com/squorworks/pipeline/internal/facts"
	"github.com/squorworks/pipeline/internal/imagehost"
	"github.com/squorworks/pipeline/internal/normalize"
	"github.com/squorworks/pipeline/internal/quota"
	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/pkg/models"
)

// EventSink receives workflow events. Publish must not block the engine;
// sinks drop on overflow rather than stall processing.
type EventSink interface {
	Publish(event models.WorkflowEvent)
}

// Config tunes the engine. Zero values take the documented defaults.
type Config struct {
	MaxRetries         int
	RetryBase          time.Duration
	RetryMax           time.Duration
	EnrichmentEstimate int64
	AIService          string
	Detail             analyzer.DetailLevel
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase == 0 {
		c.RetryBase = 60 * time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3600 * time.Second
	}
	if c.EnrichmentEstimate == 0 {
		c.EnrichmentEstimate = 1000
	}
	if c.AIService == "" {
		c.AIService = "gemini"
	}
	if c.Detail == "" {
		c.Detail = analyzer.DetailStandard
	}
	return c
}

type counters struct {
	mu          sync.Mutex
	processed   int64
	completed   int64
	failed      int64
	retried     int64
	quotaHeld   int64
	stageMs     map[models.Stage]int64
	stageCounts map[models.Stage]int64
}

// Engine executes workflow items end to end.
type Engine struct {
	store  store.Store
	ai     analyzer.Analyzer
	quotas *quota.Registry
	mapper *facts.Mapper
	images *imagehost.Client
	events EventSink
	cfg    Config
	stats  counters
}

// NewEngine wires an engine. events and images may be nil.
func NewEngine(s store.Store, ai analyzer.Analyzer, quotas *quota.Registry, images *imagehost.Client, events EventSink, cfg Config) *Engine {
	return &Engine{
		store:  s,
		ai:     ai,
		quotas: quotas,
		mapper: facts.NewMapper(s),
		images: images,
		events: events,
		cfg:    cfg.withDefaults(),
		stats: counters{
			stageMs:     make(map[models.Stage]int64),
			stageCounts: make(map[models.Stage]int64),
		},
	}
}

// ── Processing ───────────────────────────────────────────────

// ProcessItem runs one claimed item through its remaining stages. The
// item must already be in processing state. A held lock is not an error:
// another worker owns the item and this one moves on.
func (e *Engine) ProcessItem(ctx context.Context, item *models.WorkflowItem) error {
	release, err := e.store.TryLockWorkflow(ctx, item.ID)
	if errors.Is(err, store.ErrLockHeld) {
		log.Debug().Str("workflow_id", item.ID).Msg("lock held elsewhere, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock workflow %s: %w", item.ID, err)
	}
	defer release()

	e.stats.mu.Lock()
	e.stats.processed++
	e.stats.mu.Unlock()

	for _, stage := range models.StageOrder {
		if item.StageDetails.HasCompletedStage(stage) {
			continue
		}
		if stage == models.StageImageFetch {
			// Images reach the model by URL; nothing to fetch here.
			e.completeStage(ctx, item, stage, 0)
			continue
		}

		item.Stage = stage
		item.StageDetails.LastStageAttempted = string(stage)
		e.publish(models.EventStageStarted, item.ID, map[string]any{"stage": stage})

		started := time.Now()
		err := e.runStage(ctx, item, stage)
		if err != nil {
			return e.handleStageError(ctx, item, stage, err)
		}
		e.completeStage(ctx, item, stage, time.Since(started))
	}

	now := time.Now()
	item.CompletedAt = &now
	item.NextRetryAt = nil
	item.LastError = ""
	if err := e.transition(ctx, item, models.StateCompleted, "all stages complete", "engine"); err != nil {
		return err
	}
	e.stats.mu.Lock()
	e.stats.completed++
	e.stats.mu.Unlock()
	log.Info().Str("workflow_id", item.ID).Str("product_id", item.ProductID).Msg("✅ workflow completed")
	return nil
}

func (e *Engine) runStage(ctx context.Context, item *models.WorkflowItem, stage models.Stage) error {
	switch stage {
	case models.StageDiscovery:
		return e.stageDiscovery(ctx, item)
	case models.StageEnrichment:
		return e.stageEnrichment(ctx, item)
	case models.StageDataMapping:
		return e.stageDataMapping(ctx, item)
	case models.StageScoring:
		return e.stageScoring(ctx, item)
	case models.StageIndexing:
		return e.stageIndexing(ctx, item)
	case models.StageNotification:
		return e.stageNotification(ctx, item)
	default:
		return &BusinessError{Reason: fmt.Sprintf("unknown stage %q", stage)}
	}
}

func (e *Engine) completeStage(ctx context.Context, item *models.WorkflowItem, stage models.Stage, took time.Duration) {
	if !item.StageDetails.HasCompletedStage(stage) {
		item.StageDetails.CompletedStages = append(item.StageDetails.CompletedStages, string(stage))
	}
	item.StageDetails.UpdatedAt = time.Now()
	if err := e.store.UpdateWorkflow(ctx, item); err != nil {
		log.Warn().Err(err).Str("workflow_id", item.ID).Msg("persist stage progress failed")
	}
	e.stats.mu.Lock()
	e.stats.stageMs[stage] += took.Milliseconds()
	e.stats.stageCounts[stage]++
	e.stats.mu.Unlock()
	e.publish(models.EventStageCompleted, item.ID, map[string]any{
		"stage":       stage,
		"duration_ms": took.Milliseconds(),
	})
}

// ── Stage bodies ─────────────────────────────────────────────

// stageDiscovery resolves the canonical product and decides whether the
// incoming content warrants a new immutable version.
func (e *Engine) stageDiscovery(ctx context.Context, item *models.WorkflowItem) error {
	details := &item.StageDetails
	cp := details.CrawlerData
	if cp == nil {
		return &BusinessError{Reason: "no crawler data on work item"}
	}

	brandName := cp.Brand.String()
	brand, err := e.store.UpsertBrand(ctx, brandName, normalize.NormalizeBrandString(brandName))
	if err != nil {
		return fmt.Errorf("upsert brand: %w", err)
	}

	retailerID := normalize.RetailerProductID(cp.URL, cp.Retailer)
	productHash := normalize.ProductHash(brandName, cp.Name, cp.PackOrWeight())

	product, err := e.store.FindProductByKey(ctx, retailerID, productHash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		product = &models.Product{
			BrandID:           brand.ID,
			Name:              cp.Name,
			RetailerProductID: retailerID,
			ProductHash:       productHash,
		}
		if err := e.store.CreateProduct(ctx, product); err != nil {
			return fmt.Errorf("create product: %w", err)
		}
	case err != nil:
		return fmt.Errorf("find product: %w", err)
	}
	details.ProductID = product.ID
	item.ProductID = product.ID

	previousHash := ""
	latest, err := e.store.LatestVersion(ctx, product.ID)
	if err == nil {
		previousHash = latest.ContentHash
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("latest version: %w", err)
	}

	hash := normalize.ContentHash(&cp.Listing)
	details.ContentHash = hash

	create, reason := normalize.ShouldCreateNewVersion(&cp.Listing, previousHash)
	if !create && !details.ForceReanalysis {
		details.IsDuplicate = true
		details.SkipReason = reason
		details.VersionID = latest.ID
		details.VersionSeq = latest.VersionSeq
		log.Info().Str("product_id", product.ID).Str("reason", reason).Msg("🔁 duplicate content")
		return nil
	}

	seq := 1
	if latest != nil {
		seq = latest.VersionSeq + 1
	}
	version := &models.ProductVersion{
		ProductID:   product.ID,
		VersionSeq:  seq,
		ContentHash: hash,
		Source:      cp.Retailer,
	}
	if err := e.store.CreateVersion(ctx, version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// A concurrent worker won the slot; re-read its version and
			// continue as a duplicate against it.
			winner, rerr := e.store.LatestVersion(ctx, product.ID)
			if rerr != nil {
				return fmt.Errorf("reread version after conflict: %w", rerr)
			}
			details.IsDuplicate = true
			details.SkipReason = "version created concurrently"
			details.VersionID = winner.ID
			details.VersionSeq = winner.VersionSeq
			log.Info().Str("product_id", product.ID).Int("version_seq", winner.VersionSeq).
				Msg("🔁 version created concurrently, reusing")
			return nil
		}
		return fmt.Errorf("create version: %w", err)
	}
	details.VersionID = version.ID
	details.VersionSeq = version.VersionSeq
	log.Info().
		Str("product_id", product.ID).
		Int("version_seq", seq).
		Str("reason", reason).
		Msg("📦 version created")
	return nil
}

// stageEnrichment runs the AI analysis, or synthesizes a result from the
// latest score when content is an unchanged duplicate.
func (e *Engine) stageEnrichment(ctx context.Context, item *models.WorkflowItem) error {
	details := &item.StageDetails
	cp := details.CrawlerData
	if cp == nil {
		return &BusinessError{Reason: "no crawler data on work item"}
	}

	if details.IsDuplicate && !details.ForceReanalysis {
		if res := e.duplicateResult(ctx, details.ProductID); res != nil {
			details.AIResult = res
			return nil
		}
		// No previous analysis to reuse; fall through to a real call.
	}

	req := analyzer.Request{
		Product: *cp,
		Images:  cp.Images,
		Detail:  e.cfg.Detail,
	}
	if len(req.Images) > analyzer.MaxImages {
		req.Images = req.Images[:analyzer.MaxImages]
	}

	estimate := e.cfg.EnrichmentEstimate
	if e.ai != nil {
		estimate = e.ai.EstimateTokens(req)
	}
	mgr := e.quotas.For(e.cfg.AIService)
	if d := mgr.Check(estimate); !d.Allowed {
		return &quota.Rejection{Service: e.cfg.AIService, Kind: d.Kind, WaitSeconds: d.WaitSeconds}
	}

	if e.ai == nil {
		return &BusinessError{Reason: "no analyzer configured"}
	}
	res, err := e.ai.Analyze(ctx, req)
	if err != nil {
		if errors.Is(err, analyzer.ErrEmptyReply) {
			// Silent throttling: treat as quota pressure, not failure.
			return &quota.Rejection{
				Service:     e.cfg.AIService,
				Kind:        quota.RequestsPerMinute,
				WaitSeconds: 60,
			}
		}
		return err
	}

	mgr.Record(int64(res.TokensUsed), int64(res.InputTokens), int64(res.OutputTokens), int64(len(req.Images)))
	usage := mgr.Usage()
	res.CostEstimate = usage.CostUSD
	details.AIResult = res

	if err := e.store.AppendQuotaUsage(ctx, &models.QuotaUsageEntry{
		WorkflowID: item.ID,
		Service:    e.cfg.AIService,
		Snapshot:   statusMap(mgr.Status()),
		TokensUsed: res.TokensUsed,
		CostUSD:    usage.CostUSD,
	}); err != nil {
		log.Warn().Err(err).Str("workflow_id", item.ID).Msg("quota usage log failed")
	}
	return nil
}

// duplicateResult rebuilds an analysis result from the latest persisted
// score so unchanged content costs no tokens.
func (e *Engine) duplicateResult(ctx context.Context, productID string) *models.AnalysisResult {
	score, comps, err := e.store.LatestScore(ctx, productID)
	if err != nil {
		return nil
	}
	ratings := models.SquorRatings{Reasons: map[string]string{}}
	for _, c := range comps {
		rating := int(c.Value / 20)
		switch c.ComponentKey {
		case "safety":
			ratings.S = rating
		case "quality":
			ratings.Q = rating
		case "usability":
			ratings.U = rating
		case "origin":
			ratings.O = rating
		case "responsibility":
			ratings.R = rating
		}
		ratings.Reasons[c.ComponentKey[:1]] = "Previous analysis - content unchanged"
	}
	return &models.AnalysisResult{
		Squor:             ratings,
		Verdict:           models.Verdict{Overall: score.Score / 20, Recommendation: "unchanged"},
		Confidence:        1,
		DuplicateAnalysis: true,
	}
}

func (e *Engine) stageDataMapping(ctx context.Context, item *models.WorkflowItem) error {
	details := &item.StageDetails
	if details.AIResult == nil {
		return &BusinessError{Reason: "no analysis result to map"}
	}
	written, err := e.mapper.MapFacts(ctx, details.ProductID, details.VersionID, details.AIResult)
	if err != nil && written == 0 && !details.AIResult.DuplicateAnalysis {
		return fmt.Errorf("map facts: %w", err)
	}
	// Partial family failures are logged by the mapper and tolerated.
	return nil
}

func (e *Engine) stageScoring(ctx context.Context, item *models.WorkflowItem) error {
	details := &item.StageDetails
	if details.AIResult == nil {
		return &BusinessError{Reason: "no analysis result to score"}
	}
	if details.AIResult.DuplicateAnalysis {
		log.Debug().Str("workflow_id", item.ID).Msg("score unchanged, skipping write")
		return nil
	}
	_, err := e.mapper.WriteScore(ctx, details.VersionID, details.AIResult)
	return err
}

// stageIndexing refreshes the product's denormalized fields, including
// the hosted best image. Failures log and continue by policy.
func (e *Engine) stageIndexing(ctx context.Context, item *models.WorkflowItem) error {
	details := &item.StageDetails
	product, err := e.store.GetProduct(ctx, details.ProductID)
	if err != nil {
		log.Warn().Err(err).Str("workflow_id", item.ID).Msg("indexing: product fetch failed")
		return nil
	}
	product.LatestContentHash = details.ContentHash

	if cp := details.CrawlerData; cp != nil && len(cp.Images) > 0 {
		source := bestImageURL(details.AIResult, cp.Images)
		product.PrimaryImageSource = source
		if e.images.Enabled() {
			hosted, err := e.images.UploadFromURL(ctx, source, product.ID, "best")
			if err != nil {
				log.Warn().Err(err).Str("product_id", product.ID).Msg("indexing: image hosting failed")
			} else if hosted != "" {
				product.PrimaryImageURL = hosted
				if details.AIResult != nil {
					details.AIResult.BestImage.HostedURL = hosted
				}
			}
		}
	}

	if err := e.store.UpdateProduct(ctx, product); err != nil {
		log.Warn().Err(err).Str("product_id", product.ID).Msg("indexing: product update failed")
	}
	return nil
}

// bestImageURL resolves the model's 1-based pick, falling back to the
// first image when the index is missing or out of range.
func bestImageURL(res *models.AnalysisResult, images []string) string {
	if res != nil {
		idx := res.BestImage.Index
		if idx >= 1 && idx <= len(images) {
			res.BestImage.SelectedURL = images[idx-1]
			return images[idx-1]
		}
	}
	return images[0]
}

func (e *Engine) stageNotification(ctx context.Context, item *models.WorkflowItem) error {
	details := &item.StageDetails
	data := map[string]any{
		"product_id":  details.ProductID,
		"version_id":  details.VersionID,
		"version_seq": details.VersionSeq,
		"duplicate":   details.IsDuplicate,
	}
	if res := details.AIResult; res != nil {
		data["confidence"] = res.Confidence
		data["recommendation"] = res.Verdict.Recommendation
	}
	e.publish(models.EventStageCompleted, item.ID, data)
	return nil
}

// ── Error handling ───────────────────────────────────────────

func (e *Engine) handleStageError(ctx context.Context, item *models.WorkflowItem, stage models.Stage, err error) error {
	var rejection *quota.Rejection
	if errors.As(err, &rejection) {
		return e.suspendOnQuota(ctx, item, stage, rejection)
	}

	item.LastError = err.Error()
	e.publish(models.EventErrorOccurred, item.ID, map[string]any{
		"stage": stage,
		"error": err.Error(),
	})

	var business *BusinessError
	if errors.As(err, &business) {
		e.stats.mu.Lock()
		e.stats.failed++
		e.stats.mu.Unlock()
		return e.transition(ctx, item, models.StateFailed, "business error: "+business.Reason, "engine")
	}

	maxRetries := item.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.MaxRetries
	}
	if item.RetryCount >= maxRetries {
		e.stats.mu.Lock()
		e.stats.failed++
		e.stats.mu.Unlock()
		return e.transition(ctx, item, models.StateFailed,
			fmt.Sprintf("retries exhausted after %d attempts: %v", item.RetryCount, err), "engine")
	}

	delay := e.retryDelay(item.RetryCount)
	item.RetryCount++
	next := time.Now().Add(delay)
	item.NextRetryAt = &next
	e.stats.mu.Lock()
	e.stats.retried++
	e.stats.mu.Unlock()
	log.Warn().Err(err).
		Str("workflow_id", item.ID).
		Str("stage", string(stage)).
		Int("retry", item.RetryCount).
		Dur("delay", delay).
		Msg("⏳ stage failed, retrying")
	return e.transition(ctx, item, models.StateRetrying,
		fmt.Sprintf("%s failed: %v", stage, err), "engine")
}

// retryDelay is exponential: base x 2^n, capped.
func (e *Engine) retryDelay(retryCount int) time.Duration {
	d := e.cfg.RetryBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= e.cfg.RetryMax {
			return e.cfg.RetryMax
		}
	}
	if d > e.cfg.RetryMax {
		d = e.cfg.RetryMax
	}
	return d
}

// suspendOnQuota parks the item in quota_exceeded with everything needed
// to resume exactly where it stopped.
func (e *Engine) suspendOnQuota(ctx context.Context, item *models.WorkflowItem, stage models.Stage, rej *quota.Rejection) error {
	details := &item.StageDetails
	now := time.Now()
	details.QuotaExceededAt = &now
	details.QuotaStatus = statusMap(e.quotas.For(rej.Service).Status())
	details.EstimatedWaitSeconds = int(rej.WaitSeconds)
	details.CanResume = true
	details.PartialResults = &models.PartialResults{
		ProductID:          details.ProductID,
		VersionID:          details.VersionID,
		AIResult:           details.AIResult,
		ProgressPercentage: progressOf(details),
	}

	wait := time.Duration(rej.WaitSeconds) * time.Second
	if wait < 60*time.Second {
		wait = 60 * time.Second
	}
	next := now.Add(wait)
	item.NextRetryAt = &next
	item.LastError = rej.Error()

	e.stats.mu.Lock()
	e.stats.quotaHeld++
	e.stats.mu.Unlock()
	log.Warn().
		Str("workflow_id", item.ID).
		Str("stage", string(stage)).
		Int64("wait_seconds", rej.WaitSeconds).
		Msg("🛑 quota exceeded, suspending")
	return e.transition(ctx, item, models.StateQuotaExceeded, rej.Error(), "engine")
}

// progressOf reports percent of runnable stages completed.
func progressOf(details *models.StageDetails) float64 {
	total := len(models.StageOrder)
	if total == 0 {
		return 0
	}
	return float64(len(details.CompletedStages)) / float64(total) * 100
}

// ── Admin operations ─────────────────────────────────────────

// Status returns the current work item.
func (e *Engine) Status(ctx context.Context, id string) (*models.WorkflowItem, error) {
	return e.store.GetWorkflow(ctx, id)
}

// History returns the most recent audit transitions, newest first.
func (e *Engine) History(ctx context.Context, id string, limit int) ([]models.WorkflowTransition, error) {
	if _, err := e.store.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListTransitions(ctx, id, limit)
}

// Retry requeues a failed item with its retry counters reset.
func (e *Engine) Retry(ctx context.Context, id, actor string) (*models.WorkflowItem, error) {
	item, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(item.State, models.StateQueued) {
		return nil, &IllegalTransitionError{From: item.State, To: models.StateQueued}
	}
	item.RetryCount = 0
	item.NextRetryAt = nil
	item.LastError = ""
	item.CompletedAt = nil
	if err := e.transition(ctx, item, models.StateQueued, "manual retry", actor); err != nil {
		return nil, err
	}
	return item, nil
}

// Cancel moves an item to the cancelled terminal state.
func (e *Engine) Cancel(ctx context.Context, id, reason, actor string) (*models.WorkflowItem, error) {
	item, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(item.State, models.StateCancelled) {
		return nil, &IllegalTransitionError{From: item.State, To: models.StateCancelled}
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := e.transition(ctx, item, models.StateCancelled, reason, actor); err != nil {
		return nil, err
	}
	return item, nil
}

// Suspend pauses an item indefinitely.
func (e *Engine) Suspend(ctx context.Context, id, reason, actor string) (*models.WorkflowItem, error) {
	item, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(item.State, models.StateSuspended) {
		return nil, &IllegalTransitionError{From: item.State, To: models.StateSuspended}
	}
	if reason == "" {
		reason = "suspended by operator"
	}
	if err := e.transition(ctx, item, models.StateSuspended, reason, actor); err != nil {
		return nil, err
	}
	return item, nil
}

// Resume requeues a suspended or quota-held item. Quota-held items are
// only released when the quota would admit them now.
func (e *Engine) Resume(ctx context.Context, id, actor string) (*models.WorkflowItem, error) {
	item, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.State == models.StateQuotaExceeded {
		mgr := e.quotas.For(e.cfg.AIService)
		if d := mgr.Check(e.cfg.EnrichmentEstimate); !d.Allowed {
			return nil, &quota.Rejection{Service: e.cfg.AIService, Kind: d.Kind, WaitSeconds: d.WaitSeconds}
		}
	}
	if !CanTransition(item.State, models.StateQueued) {
		return nil, &IllegalTransitionError{From: item.State, To: models.StateQueued}
	}
	item.NextRetryAt = nil
	if err := e.transition(ctx, item, models.StateQueued, "resumed", actor); err != nil {
		return nil, err
	}
	return item, nil
}

// ResumeQuotaExceededBatch releases quota-held items oldest first while
// quota admits them, stopping at the first rejection. Returns how many
// were requeued.
func (e *Engine) ResumeQuotaExceededBatch(ctx context.Context, limit int) (int, error) {
	items, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{
		States: []models.WorkflowState{models.StateQuotaExceeded},
		Limit:  limit,
	})
	if err != nil {
		return 0, err
	}

	mgr := e.quotas.For(e.cfg.AIService)
	resumed := 0
	for i := range items {
		if d := mgr.Check(e.cfg.EnrichmentEstimate); !d.Allowed {
			log.Info().
				Int("resumed", resumed).
				Int("remaining", len(items)-resumed).
				Int64("wait_seconds", d.WaitSeconds).
				Msg("batch resume stopped at quota")
			break
		}
		item := items[i]
		item.NextRetryAt = nil
		if err := e.transition(ctx, &item, models.StateQueued, "quota recovered", "janitor"); err != nil {
			log.Warn().Err(err).Str("workflow_id", item.ID).Msg("batch resume transition failed")
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Metrics aggregates store counts with in-process counters.
func (e *Engine) Metrics(ctx context.Context, since, until *time.Time) (*models.WorkflowMetrics, error) {
	byState, err := e.store.CountsByState(ctx, since, until)
	if err != nil {
		return nil, err
	}
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	m := &models.WorkflowMetrics{
		Processed:        e.stats.processed,
		Completed:        e.stats.completed,
		Failed:           e.stats.failed,
		Retried:          e.stats.retried,
		QuotaHeld:        e.stats.quotaHeld,
		ByState:          byState,
		StageDurationsMs: make(map[models.Stage]int64, len(e.stats.stageMs)),
		StageCounts:      make(map[models.Stage]int64, len(e.stats.stageCounts)),
	}
	for k, v := range e.stats.stageMs {
		m.StageDurationsMs[k] = v
	}
	for k, v := range e.stats.stageCounts {
		m.StageCounts[k] = v
	}
	return m, nil
}

// ── Internals ────────────────────────────────────────────────

// transition validates, persists, audits, and publishes a state change.
func (e *Engine) transition(ctx context.Context, item *models.WorkflowItem, to models.WorkflowState, reason, actor string) error {
	from := item.State
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return &IllegalTransitionError{From: from, To: to}
	}
	item.State = to
	item.StageDetails.UpdatedAt = time.Now()
	if err := e.store.UpdateWorkflow(ctx, item); err != nil {
		item.State = from
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}
	if err := e.store.AppendTransition(ctx, &models.WorkflowTransition{
		WorkflowID: item.ID,
		FromState:  from,
		ToState:    to,
		Stage:      item.Stage,
		Reason:     reason,
		Actor:      actor,
	}); err != nil {
		log.Warn().Err(err).Str("workflow_id", item.ID).Msg("audit append failed")
	}
	e.publish(models.EventStateChanged, item.ID, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
	return nil
}

func (e *Engine) publish(t models.EventType, workflowID string, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(models.WorkflowEvent{
		Type:       t,
		WorkflowID: workflowID,
		Data:       data,
		Timestamp:  time.Now(),
	})
}

func statusMap(st map[quota.Kind]quota.WindowUse) map[string]any {
	out := make(map[string]any, len(st))
	for k, v := range st {
		out[string(k)] = map[string]any{
			"used":      v.Used,
			"limit":     v.Limit,
			"remaining": v.Remaining,
			"resets_at": v.ResetsAt,
		}
	}
	return out
}
