// Package store defines the persistence contract for the pipeline and
// provides the in-memory and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/squorworks/pipeline/pkg/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a concurrent writer already created
// the same (product, version_seq) pair.
var ErrVersionConflict = errors.New("version sequence conflict")

// ErrLockHeld is returned when a workflow's advisory lock is held by
// another worker. Callers fail fast; they never wait for the lock.
var ErrLockHeld = errors.New("workflow lock held")

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	States    []models.WorkflowState
	Stage     models.Stage
	ProductID string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// FactSet is the current (open) fact row per family for one product.
type FactSet struct {
	Ingredients    *models.IngredientsFact     `json:"ingredients,omitempty"`
	Nutrition      *models.NutritionFact       `json:"nutrition,omitempty"`
	Allergens      *models.AllergensFact       `json:"allergens,omitempty"`
	Claims         *models.ClaimsFact          `json:"claims,omitempty"`
	Certifications []models.CertificationsFact `json:"certifications,omitempty"`
}

// CatalogStore persists brands, products, and immutable versions.
type CatalogStore interface {
	// UpsertBrand returns the brand with the given normalized name,
	// creating it on first sight.
	UpsertBrand(ctx context.Context, name, normalizedName string) (*models.Brand, error)

	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	// FindProductByKey resolves the unique product key: retailer product
	// id or brand|name|pack hash, whichever the key encodes.
	FindProductByKey(ctx context.Context, retailerProductID, productHash string) (*models.Product, error)
	UpdateProduct(ctx context.Context, p *models.Product) error

	// CreateVersion assigns the next version_seq; ErrVersionConflict when
	// a concurrent writer won the same slot.
	CreateVersion(ctx context.Context, v *models.ProductVersion) error
	LatestVersion(ctx context.Context, productID string) (*models.ProductVersion, error)
	GetVersion(ctx context.Context, id string) (*models.ProductVersion, error)
}

// SourcePageStore upserts crawled retailer pages keyed by URL.
type SourcePageStore interface {
	UpsertSourcePage(ctx context.Context, page *models.SourcePage) (*models.SourcePage, error)
	GetSourcePage(ctx context.Context, id string) (*models.SourcePage, error)
}

// FactStore maintains the SCD-2 fact families. Each Save closes the
// product's previous current row and opens a new one in one atomic step.
type FactStore interface {
	SaveIngredientsFact(ctx context.Context, productID string, f *models.IngredientsFact) error
	SaveNutritionFact(ctx context.Context, productID string, f *models.NutritionFact) error
	SaveAllergensFact(ctx context.Context, productID string, f *models.AllergensFact) error
	SaveClaimsFact(ctx context.Context, productID string, f *models.ClaimsFact) error
	ReplaceCertifications(ctx context.Context, productID string, fs []models.CertificationsFact) error
	// ReaffirmFacts bumps last_confirmed_at on every current row without
	// opening new ones. Used when content was unchanged.
	ReaffirmFacts(ctx context.Context, productID string, at time.Time) error
	CurrentFacts(ctx context.Context, productID string) (*FactSet, error)
}

// ScoreStore persists computed scores and their components.
type ScoreStore interface {
	CreateScore(ctx context.Context, s *models.SquorScore, components []models.SquorComponent) error
	LatestScore(ctx context.Context, productID string) (*models.SquorScore, []models.SquorComponent, error)
}

// WorkflowStore is the processing queue plus its audit trail.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, item *models.WorkflowItem) error
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowItem, error)
	UpdateWorkflow(ctx context.Context, item *models.WorkflowItem) error
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]models.WorkflowItem, error)

	// ClaimBatch atomically claims up to limit due items (queued, or
	// retrying/quota_exceeded past next_retry_at) in priority order,
	// moving them to processing. Claimed items are invisible to other
	// claimers.
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.WorkflowItem, error)

	// TryLockWorkflow takes the workflow's advisory lock, failing fast
	// with ErrLockHeld. The returned release func is always safe to call.
	TryLockWorkflow(ctx context.Context, workflowID string) (release func(), err error)

	AppendTransition(ctx context.Context, tr *models.WorkflowTransition) error
	ListTransitions(ctx context.Context, workflowID string, limit int) ([]models.WorkflowTransition, error)
	PruneTransitions(ctx context.Context, olderThan time.Time) (int64, error)

	CountsByState(ctx context.Context, since, until *time.Time) (map[models.WorkflowState]int64, error)
}

// QuotaLogStore keeps the per-workflow AI usage ledger.
type QuotaLogStore interface {
	AppendQuotaUsage(ctx context.Context, e *models.QuotaUsageEntry) error
	ListQuotaUsage(ctx context.Context, workflowID string) ([]models.QuotaUsageEntry, error)
}

// ChannelStore persists notification channels.
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *models.NotificationChannel) error
	ListChannels(ctx context.Context, activeOnly bool) ([]models.NotificationChannel, error)
	DeleteChannel(ctx context.Context, id string) error
}

// Store is the composed persistence interface the engine and API consume.
type Store interface {
	CatalogStore
	SourcePageStore
	FactStore
	ScoreStore
	WorkflowStore
	QuotaLogStore
	ChannelStore

	Ping(ctx context.Context) error
	Close()
}
