package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ── Workflow States ──────────────────────────────────────────

type WorkflowState string

const (
	StateCreated            WorkflowState = "created"
	StateQueued             WorkflowState = "queued"
	StateProcessing         WorkflowState = "processing"
	StateWaiting            WorkflowState = "waiting"
	StateCompleted          WorkflowState = "completed"
	StateFailed             WorkflowState = "failed"
	StateCancelled          WorkflowState = "cancelled"
	StateRetrying           WorkflowState = "retrying"
	StateSuspended          WorkflowState = "suspended"
	StateQuotaExceeded      WorkflowState = "quota_exceeded"
	StatePartiallyProcessed WorkflowState = "partially_processed"
)

// IsTerminal reports whether a workflow state admits no further transitions.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ── Processing Stages ────────────────────────────────────────

type Stage string

const (
	StageDiscovery    Stage = "discovery"
	StageImageFetch   Stage = "image_fetch"
	StageEnrichment   Stage = "enrichment"
	StageDataMapping  Stage = "data_mapping"
	StageScoring      Stage = "scoring"
	StageIndexing     Stage = "indexing"
	StageNotification Stage = "notification"
)

// StageOrder is the canonical stage sequence. Image fetch is listed for
// completeness but skipped at runtime: images reach the model by URL.
var StageOrder = []Stage{
	StageDiscovery,
	StageImageFetch,
	StageEnrichment,
	StageDataMapping,
	StageScoring,
	StageIndexing,
	StageNotification,
}

// StageIndex returns the position of a stage in StageOrder, or -1.
func StageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ── Raw Listings (inbound from scrapers) ─────────────────────

// BrandField accepts either a bare string or an object {"name": "..."} —
// consolidated payloads carry the object form.
type BrandField string

func (b *BrandField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = BrandField(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*b = BrandField(obj.Name)
	return nil
}

func (b BrandField) String() string { return string(b) }

// Listing is one raw product listing delivered by a retailer scraper.
type Listing struct {
	Retailer      string             `json:"retailer"`
	URL           string             `json:"url"`
	Name          string             `json:"name"`
	Brand         BrandField         `json:"brand,omitempty"`
	Price         float64            `json:"price,omitempty"`
	MRP           float64            `json:"mrp,omitempty"`
	PackSize      string             `json:"pack_size,omitempty"`
	Weight        string             `json:"weight,omitempty"`
	Description   string             `json:"description,omitempty"`
	Category      string             `json:"category,omitempty"`
	Images        []string           `json:"images,omitempty"`
	Ingredients   []string           `json:"ingredients,omitempty"`
	Nutrition     map[string]float64 `json:"nutrition,omitempty"`
	Claims        []string           `json:"claims,omitempty"`
	ExtractedData map[string]any     `json:"extracted_data,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// PackOrWeight returns the pack size, falling back to weight.
func (l *Listing) PackOrWeight() string {
	if l.PackSize != "" {
		return l.PackSize
	}
	return l.Weight
}

// ConsolidatedProduct is one canonical product assembled from one or more
// raw listings that share a unique product key.
type ConsolidatedProduct struct {
	Listing

	ProductKey  string            `json:"product_key"`
	Sources     []string          `json:"sources"`
	SourceURLs  map[string]string `json:"source_urls,omitempty"`
	MinPrice    float64           `json:"min_price,omitempty"`
	MaxPrice    float64           `json:"max_price,omitempty"`
	AvgPrice    float64           `json:"avg_price,omitempty"`
	Confidence  float64           `json:"confidence_score"`
	SourceCount int               `json:"source_count"`
}

// DroppedListing records a listing the consolidator refused, with the reason.
type DroppedListing struct {
	Listing Listing `json:"listing"`
	Reason  string  `json:"reason"`
}

// ── Catalog Entities ─────────────────────────────────────────

type Brand struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	NormalizedName string    `json:"normalized_name" db:"normalized_name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type Product struct {
	ID                 string         `json:"id" db:"id"`
	BrandID            string         `json:"brand_id" db:"brand_id"`
	Name               string         `json:"name" db:"name"`
	RetailerProductID  string         `json:"retailer_product_id,omitempty" db:"retailer_product_id"`
	ProductHash        string         `json:"product_hash,omitempty" db:"product_hash"`
	PrimaryImageURL    string         `json:"primary_image_url,omitempty" db:"primary_image_url"`
	PrimaryImageSource string         `json:"primary_image_source,omitempty" db:"primary_image_source"`
	LatestContentHash  string         `json:"latest_content_hash,omitempty" db:"latest_content_hash"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// ProductVersion is an immutable content snapshot. (ProductID, VersionSeq)
// is unique; the highest VersionSeq is the current version.
type ProductVersion struct {
	ID          string    `json:"id" db:"id"`
	ProductID   string    `json:"product_id" db:"product_id"`
	VersionSeq  int       `json:"version_seq" db:"version_seq"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	Source      string    `json:"source,omitempty" db:"source"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SourcePage is a retailer URL we have crawled, with the raw payload retained.
type SourcePage struct {
	ID            string    `json:"id" db:"id"`
	ProductID     string    `json:"product_id,omitempty" db:"product_id"`
	Retailer      string    `json:"retailer" db:"retailer"`
	URL           string    `json:"url" db:"url"`
	Title         string    `json:"title,omitempty" db:"title"`
	ContentHash   string    `json:"content_hash,omitempty" db:"content_hash"`
	ExtractedData *Listing  `json:"extracted_data,omitempty"`
	FirstSeenAt   time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// ── Versioned Facts (SCD-2) ──────────────────────────────────

type FactFamily string

const (
	FamilyIngredients    FactFamily = "ingredients"
	FamilyNutrition      FactFamily = "nutrition"
	FamilyAllergens      FactFamily = "allergens"
	FamilyClaims         FactFamily = "claims"
	FamilyCertifications FactFamily = "certifications"
)

// FactMeta carries the SCD-2 bookkeeping columns shared by every family.
type FactMeta struct {
	ID               string     `json:"id" db:"id"`
	ProductVersionID string     `json:"product_version_id" db:"product_version_id"`
	Confidence       float64    `json:"confidence,omitempty" db:"confidence"`
	ValidFrom        time.Time  `json:"valid_from" db:"valid_from"`
	ValidTo          *time.Time `json:"valid_to,omitempty" db:"valid_to"`
	IsCurrent        bool       `json:"is_current" db:"is_current"`
	LastConfirmedAt  *time.Time `json:"last_confirmed_at,omitempty" db:"last_confirmed_at"`
}

// IngredientTree separates a flat ingredient list into coarse buckets.
type IngredientTree struct {
	MainIngredients []string `json:"main_ingredients"`
	Additives       []string `json:"additives"`
	Allergens       []string `json:"allergens"`
}

type IngredientsFact struct {
	FactMeta
	RawText    string         `json:"raw_text,omitempty"`
	Normalized []string       `json:"normalized_list,omitempty"`
	Tree       IngredientTree `json:"tree"`
}

type NutritionFact struct {
	FactMeta
	Per100g     map[string]float64 `json:"per_100g,omitempty"`
	PerServing  map[string]float64 `json:"per_serving,omitempty"`
	ServingSize string             `json:"serving_size,omitempty"`
	Additional  map[string]any     `json:"additional,omitempty"`
}

type AllergensFact struct {
	FactMeta
	Declared   []string `json:"declared_list,omitempty"`
	MayContain []string `json:"may_contain_list,omitempty"`
}

type ClaimsFact struct {
	FactMeta
	Claims     []string            `json:"claims,omitempty"`
	Categories map[string][]string `json:"categories,omitempty"`
	Source     string              `json:"source,omitempty"`
}

type CertificationsFact struct {
	FactMeta
	Scheme string `json:"scheme"`
	Issuer string `json:"issuer,omitempty"`
}

// ── SQUOR Scoring ────────────────────────────────────────────

// SquorComponentKeys lists the five score components in canonical order.
var SquorComponentKeys = []string{"safety", "quality", "usability", "origin", "responsibility"}

// SquorWeights are the fixed component weights; they sum to 1.
var SquorWeights = map[string]float64{
	"safety":         0.25,
	"quality":        0.25,
	"usability":      0.15,
	"origin":         0.15,
	"responsibility": 0.20,
}

// GradeForScore maps a 0-100 overall score to a letter grade.
func GradeForScore(score float64) string {
	switch {
	case score >= 80:
		return "A"
	case score >= 60:
		return "B"
	case score >= 40:
		return "C"
	case score >= 20:
		return "D"
	default:
		return "F"
	}
}

type SquorScore struct {
	ID               string         `json:"id" db:"id"`
	ProductVersionID string         `json:"product_version_id" db:"product_version_id"`
	Scheme           string         `json:"scheme" db:"scheme"`
	Score            float64        `json:"score" db:"score"`
	Grade            string         `json:"grade" db:"grade"`
	Breakdown        map[string]any `json:"breakdown,omitempty"`
	ComputedAt       time.Time      `json:"computed_at" db:"computed_at"`
}

type SquorComponent struct {
	ID           string  `json:"id" db:"id"`
	SquorID      string  `json:"squor_id" db:"squor_id"`
	ComponentKey string  `json:"component_key" db:"component_key"`
	Weight       float64 `json:"weight" db:"weight"`
	Value        float64 `json:"value" db:"value"`
	Explain      string  `json:"explain_md,omitempty" db:"explain_md"`
}

// ── AI Analysis Result ───────────────────────────────────────

// SquorRatings holds the raw 0-5 component ratings returned by the model.
type SquorRatings struct {
	S       int               `json:"s"`
	Q       int               `json:"q"`
	U       int               `json:"u"`
	O       int               `json:"o"`
	R       int               `json:"r"`
	Reasons map[string]string `json:"reasons,omitempty"`
}

// ByKey returns the rating for a canonical component key.
func (r SquorRatings) ByKey(key string) int {
	switch key {
	case "safety":
		return r.S
	case "quality":
		return r.Q
	case "usability":
		return r.U
	case "origin":
		return r.O
	case "responsibility":
		return r.R
	}
	return 0
}

// ReasonByKey returns the model's reasoning for a canonical component key.
// Reasons arrive keyed by the short letter form.
func (r SquorRatings) ReasonByKey(key string) string {
	if r.Reasons == nil || key == "" {
		return ""
	}
	return r.Reasons[strings.ToLower(key[:1])]
}

type AnalyzedProduct struct {
	Name     string `json:"name"`
	Brand    string `json:"brand"`
	Category string `json:"category"`
}

type Verdict struct {
	Overall        float64 `json:"overall_0_5"`
	Recommendation string  `json:"recommendation"`
}

// BestImage is the model's pick among the submitted image URLs, 1-based.
type BestImage struct {
	Index       int    `json:"index"`
	Reason      string `json:"reason,omitempty"`
	SelectedURL string `json:"selected_url,omitempty"`
	HostedURL   string `json:"hosted_url,omitempty"`
}

// AnalysisResult is the typed outcome of one multimodal analysis call.
type AnalysisResult struct {
	Product     AnalyzedProduct    `json:"product"`
	Ingredients []string           `json:"ingredients"`
	Nutrition   map[string]float64 `json:"nutrition"`
	Claims      []string           `json:"claims"`
	Warnings    []string           `json:"warnings"`
	Squor       SquorRatings       `json:"squor"`
	Verdict     Verdict            `json:"verdict"`
	BestImage   BestImage          `json:"best_image"`
	Confidence  float64            `json:"confidence"`

	// Usage accounting, filled by the adapter.
	TokensUsed     int     `json:"tokens_used,omitempty"`
	InputTokens    int     `json:"input_tokens,omitempty"`
	OutputTokens   int     `json:"output_tokens,omitempty"`
	ImageTokens    int     `json:"image_tokens,omitempty"`
	CostEstimate   float64 `json:"cost_estimate,omitempty"`
	ProcessingSecs float64 `json:"processing_time,omitempty"`
	Model          string  `json:"model,omitempty"`

	// DuplicateAnalysis marks a result synthesized from a previous score
	// rather than a fresh model call.
	DuplicateAnalysis bool `json:"duplicate_analysis,omitempty"`
}

// ── Workflow Items ───────────────────────────────────────────

const (
	PriorityMin     = 1
	PriorityDefault = 5
	PriorityMax     = 10
)

// PartialResults is the resume payload preserved on quota suspension.
type PartialResults struct {
	ProductID          string          `json:"product_id,omitempty"`
	VersionID          string          `json:"version_id,omitempty"`
	AIResult           *AnalysisResult `json:"ai_result,omitempty"`
	ProgressPercentage float64         `json:"progress_percentage"`
}

// StageDetails is the per-item carrier of intermediate stage results.
// Readers ignore unknown keys; writers only add fields for their stage.
type StageDetails struct {
	CrawlerData     *ConsolidatedProduct `json:"crawler_data,omitempty"`
	ForceReanalysis bool                 `json:"force_reanalysis,omitempty"`

	// Discovery outputs.
	ProductID   string `json:"product_id,omitempty"`
	VersionID   string `json:"version_id,omitempty"`
	VersionSeq  int    `json:"version_seq,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	IsDuplicate bool   `json:"is_duplicate,omitempty"`
	SkipReason  string `json:"skip_reason,omitempty"`

	// Enrichment outputs.
	AIResult *AnalysisResult `json:"ai_result,omitempty"`

	// Quota suspension bookkeeping.
	CompletedStages      []string        `json:"completed_stages,omitempty"`
	LastStageAttempted   string          `json:"last_stage_attempted,omitempty"`
	QuotaExceededAt      *time.Time      `json:"quota_exceeded_at,omitempty"`
	QuotaStatus          map[string]any  `json:"quota_status,omitempty"`
	EstimatedWaitSeconds int             `json:"estimated_wait_seconds,omitempty"`
	PartialResults       *PartialResults `json:"partial_results,omitempty"`
	CanResume            bool            `json:"can_resume,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// HasCompletedStage reports whether a stage name is in the completed list.
func (d *StageDetails) HasCompletedStage(stage Stage) bool {
	for _, s := range d.CompletedStages {
		if s == string(stage) {
			return true
		}
	}
	return false
}

// WorkflowItem is one processing-queue entry; its ID is the workflow id.
type WorkflowItem struct {
	ID           string        `json:"id" db:"id"`
	ProductID    string        `json:"product_id,omitempty" db:"product_id"`
	SourcePageID string        `json:"source_page_id,omitempty" db:"source_page_id"`
	Priority     int           `json:"priority" db:"priority"`
	State        WorkflowState `json:"state" db:"state"`
	Stage        Stage         `json:"stage" db:"stage"`
	RetryCount   int           `json:"retry_count" db:"retry_count"`
	MaxRetries   int           `json:"max_retries" db:"max_retries"`
	NextRetryAt  *time.Time    `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastError    string        `json:"last_error,omitempty" db:"last_error"`
	StageDetails StageDetails  `json:"stage_details"`
	QueuedAt     time.Time     `json:"queued_at" db:"queued_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// WorkflowTransition is one append-only audit row.
type WorkflowTransition struct {
	ID         string         `json:"id" db:"id"`
	WorkflowID string         `json:"workflow_id" db:"workflow_id"`
	FromState  WorkflowState  `json:"from_state" db:"from_state"`
	ToState    WorkflowState  `json:"to_state" db:"to_state"`
	Stage      Stage          `json:"stage,omitempty" db:"stage"`
	Reason     string         `json:"reason,omitempty" db:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Actor      string         `json:"actor,omitempty" db:"actor"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// QuotaUsageEntry snapshots quota counters and cost after an AI call.
type QuotaUsageEntry struct {
	ID         string         `json:"id" db:"id"`
	WorkflowID string         `json:"workflow_id" db:"workflow_id"`
	Service    string         `json:"service" db:"service"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
	TokensUsed int            `json:"tokens_used" db:"tokens_used"`
	CostUSD    float64        `json:"cost_usd" db:"cost_usd"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// ── Workflow Events ──────────────────────────────────────────

type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventErrorOccurred  EventType = "error_occurred"
)

type WorkflowEvent struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ── Notification Channels ────────────────────────────────────

type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
	ChannelSlack   ChannelKind = "slack"
	ChannelEmail   ChannelKind = "email"
)

// NotificationChannel is a configured notification endpoint. Filter, when
// set, is an expression evaluated against the event payload; the channel
// only fires when it evaluates to true.
type NotificationChannel struct {
	ID        string      `json:"id" db:"id"`
	Name      string      `json:"name" db:"name"`
	Kind      ChannelKind `json:"kind" db:"kind"`
	URL       string      `json:"url,omitempty" db:"url"`
	Secret    string      `json:"secret,omitempty" db:"secret"`
	Events    []string    `json:"events,omitempty"`
	Filter    string      `json:"filter,omitempty" db:"filter"`
	Active    bool        `json:"active" db:"active"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

type NotifyResult struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ── Metrics ──────────────────────────────────────────────────

// WorkflowMetrics is the aggregate view returned by the metrics endpoint.
type WorkflowMetrics struct {
	Processed        int64                   `json:"processed"`
	Completed        int64                   `json:"completed"`
	Failed           int64                   `json:"failed"`
	Retried          int64                   `json:"retried"`
	QuotaHeld        int64                   `json:"quota_held"`
	ByState          map[WorkflowState]int64 `json:"by_state"`
	StageDurationsMs map[Stage]int64         `json:"stage_durations_ms,omitempty"`
	StageCounts      map[Stage]int64         `json:"stage_counts,omitempty"`
	Window           string                  `json:"window,omitempty"`
}
