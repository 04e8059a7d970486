package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squorworks/pipeline/pkg/models"
)

// Memory is an in-memory Store for tests and local development. All
// methods are safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	brands      map[string]*models.Brand // keyed by normalized name
	products    map[string]*models.Product
	versions    map[string]*models.ProductVersion
	sourcePages map[string]*models.SourcePage // keyed by URL

	ingredients map[string][]*models.IngredientsFact // keyed by product id
	nutrition   map[string][]*models.NutritionFact
	allergens   map[string][]*models.AllergensFact
	claims      map[string][]*models.ClaimsFact
	certs       map[string][]models.CertificationsFact

	scores     map[string][]*models.SquorScore // keyed by product id
	components map[string][]models.SquorComponent

	workflows   map[string]*models.WorkflowItem
	transitions []models.WorkflowTransition
	locks       map[string]bool

	quotaUsage []models.QuotaUsageEntry
	channels   map[string]*models.NotificationChannel

	now func() time.Time
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		brands:      make(map[string]*models.Brand),
		products:    make(map[string]*models.Product),
		versions:    make(map[string]*models.ProductVersion),
		sourcePages: make(map[string]*models.SourcePage),
		ingredients: make(map[string][]*models.IngredientsFact),
		nutrition:   make(map[string][]*models.NutritionFact),
		allergens:   make(map[string][]*models.AllergensFact),
		claims:      make(map[string][]*models.ClaimsFact),
		certs:       make(map[string][]models.CertificationsFact),
		scores:      make(map[string][]*models.SquorScore),
		components:  make(map[string][]models.SquorComponent),
		workflows:   make(map[string]*models.WorkflowItem),
		locks:       make(map[string]bool),
		channels:    make(map[string]*models.NotificationChannel),
		now:         time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close()                         {}

// ── Catalog ──────────────────────────────────────────────────

func (m *Memory) UpsertBrand(ctx context.Context, name, normalizedName string) (*models.Brand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.brands[normalizedName]; ok {
		return cloneOf(b), nil
	}
	b := &models.Brand{
		ID:             uuid.NewString(),
		Name:           name,
		NormalizedName: normalizedName,
		CreatedAt:      m.now(),
	}
	m.brands[normalizedName] = b
	return cloneOf(b), nil
}

func (m *Memory) CreateProduct(ctx context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	m.products[p.ID] = cloneOf(p)
	return nil
}

func (m *Memory) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOf(p), nil
}

func (m *Memory) FindProductByKey(ctx context.Context, retailerProductID, productHash string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.products {
		if retailerProductID != "" && p.RetailerProductID == retailerProductID {
			return cloneOf(p), nil
		}
		if productHash != "" && p.ProductHash == productHash {
			return cloneOf(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateProduct(ctx context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = m.now()
	m.products[p.ID] = cloneOf(p)
	return nil
}

func (m *Memory) CreateVersion(ctx context.Context, v *models.ProductVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions {
		if existing.ProductID == v.ProductID && existing.VersionSeq == v.VersionSeq {
			return ErrVersionConflict
		}
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.CreatedAt = m.now()
	m.versions[v.ID] = cloneOf(v)
	return nil
}

func (m *Memory) LatestVersion(ctx context.Context, productID string) (*models.ProductVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.ProductVersion
	for _, v := range m.versions {
		if v.ProductID != productID {
			continue
		}
		if latest == nil || v.VersionSeq > latest.VersionSeq {
			latest = v
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneOf(latest), nil
}

func (m *Memory) GetVersion(ctx context.Context, id string) (*models.ProductVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOf(v), nil
}

// ── Source pages ─────────────────────────────────────────────

func (m *Memory) UpsertSourcePage(ctx context.Context, page *models.SourcePage) (*models.SourcePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.sourcePages[page.URL]; ok {
		existing.LastSeenAt = now
		existing.ContentHash = page.ContentHash
		existing.ExtractedData = page.ExtractedData
		if page.ProductID != "" {
			existing.ProductID = page.ProductID
		}
		return cloneOf(existing), nil
	}
	page.ID = uuid.NewString()
	page.FirstSeenAt = now
	page.LastSeenAt = now
	m.sourcePages[page.URL] = cloneOf(page)
	return cloneOf(page), nil
}

func (m *Memory) GetSourcePage(ctx context.Context, id string) (*models.SourcePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.sourcePages {
		if p.ID == id {
			return cloneOf(p), nil
		}
	}
	return nil, ErrNotFound
}

// ── Facts (SCD-2) ────────────────────────────────────────────

func (m *Memory) SaveIngredientsFact(ctx context.Context, productID string, f *models.IngredientsFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, row := range m.ingredients[productID] {
		closeRow(&row.FactMeta, now)
	}
	openRow(&f.FactMeta, now)
	m.ingredients[productID] = append(m.ingredients[productID], cloneOf(f))
	return nil
}

func (m *Memory) SaveNutritionFact(ctx context.Context, productID string, f *models.NutritionFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, row := range m.nutrition[productID] {
		closeRow(&row.FactMeta, now)
	}
	openRow(&f.FactMeta, now)
	m.nutrition[productID] = append(m.nutrition[productID], cloneOf(f))
	return nil
}

func (m *Memory) SaveAllergensFact(ctx context.Context, productID string, f *models.AllergensFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, row := range m.allergens[productID] {
		closeRow(&row.FactMeta, now)
	}
	openRow(&f.FactMeta, now)
	m.allergens[productID] = append(m.allergens[productID], cloneOf(f))
	return nil
}

func (m *Memory) SaveClaimsFact(ctx context.Context, productID string, f *models.ClaimsFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, row := range m.claims[productID] {
		closeRow(&row.FactMeta, now)
	}
	openRow(&f.FactMeta, now)
	m.claims[productID] = append(m.claims[productID], cloneOf(f))
	return nil
}

func (m *Memory) ReplaceCertifications(ctx context.Context, productID string, fs []models.CertificationsFact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	existing := m.certs[productID]
	for i := range existing {
		closeRow(&existing[i].FactMeta, now)
	}
	for i := range fs {
		openRow(&fs[i].FactMeta, now)
		existing = append(existing, fs[i])
	}
	m.certs[productID] = existing
	return nil
}

func (m *Memory) ReaffirmFacts(ctx context.Context, productID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.ingredients[productID] {
		reaffirmRow(&row.FactMeta, at)
	}
	for _, row := range m.nutrition[productID] {
		reaffirmRow(&row.FactMeta, at)
	}
	for _, row := range m.allergens[productID] {
		reaffirmRow(&row.FactMeta, at)
	}
	for _, row := range m.claims[productID] {
		reaffirmRow(&row.FactMeta, at)
	}
	certs := m.certs[productID]
	for i := range certs {
		reaffirmRow(&certs[i].FactMeta, at)
	}
	return nil
}

func (m *Memory) CurrentFacts(ctx context.Context, productID string) (*FactSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := &FactSet{}
	for _, row := range m.ingredients[productID] {
		if row.IsCurrent {
			set.Ingredients = cloneOf(row)
		}
	}
	for _, row := range m.nutrition[productID] {
		if row.IsCurrent {
			set.Nutrition = cloneOf(row)
		}
	}
	for _, row := range m.allergens[productID] {
		if row.IsCurrent {
			set.Allergens = cloneOf(row)
		}
	}
	for _, row := range m.claims[productID] {
		if row.IsCurrent {
			set.Claims = cloneOf(row)
		}
	}
	for _, row := range m.certs[productID] {
		if row.IsCurrent {
			set.Certifications = append(set.Certifications, row)
		}
	}
	return set, nil
}

func closeRow(meta *models.FactMeta, now time.Time) {
	if !meta.IsCurrent {
		return
	}
	meta.IsCurrent = false
	t := now
	meta.ValidTo = &t
}

func openRow(meta *models.FactMeta, now time.Time) {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	meta.ValidFrom = now
	meta.ValidTo = nil
	meta.IsCurrent = true
	t := now
	meta.LastConfirmedAt = &t
}

func reaffirmRow(meta *models.FactMeta, at time.Time) {
	if !meta.IsCurrent {
		return
	}
	t := at
	meta.LastConfirmedAt = &t
}

// ── Scores ───────────────────────────────────────────────────

func (m *Memory) CreateScore(ctx context.Context, s *models.SquorScore, components []models.SquorComponent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[s.ProductVersionID]
	if !ok {
		return ErrNotFound
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.ComputedAt = m.now()
	m.scores[v.ProductID] = append(m.scores[v.ProductID], cloneOf(s))
	for i := range components {
		if components[i].ID == "" {
			components[i].ID = uuid.NewString()
		}
		components[i].SquorID = s.ID
	}
	m.components[s.ID] = append([]models.SquorComponent(nil), components...)
	return nil
}

func (m *Memory) LatestScore(ctx context.Context, productID string) (*models.SquorScore, []models.SquorComponent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.scores[productID]
	if len(rows) == 0 {
		return nil, nil, ErrNotFound
	}
	latest := rows[0]
	for _, s := range rows[1:] {
		if s.ComputedAt.After(latest.ComputedAt) {
			latest = s
		}
	}
	comps := append([]models.SquorComponent(nil), m.components[latest.ID]...)
	return cloneOf(latest), comps, nil
}

// ── Workflows ────────────────────────────────────────────────

func (m *Memory) CreateWorkflow(ctx context.Context, item *models.WorkflowItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = m.now()
	}
	m.workflows[item.ID] = cloneOf(item)
	return nil
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*models.WorkflowItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOf(item), nil
}

func (m *Memory) UpdateWorkflow(ctx context.Context, item *models.WorkflowItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[item.ID]; !ok {
		return ErrNotFound
	}
	m.workflows[item.ID] = cloneOf(item)
	return nil
}

func (m *Memory) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]models.WorkflowItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.WorkflowItem
	for _, item := range m.workflows {
		if len(f.States) > 0 && !stateIn(item.State, f.States) {
			continue
		}
		if f.Stage != "" && item.Stage != f.Stage {
			continue
		}
		if f.ProductID != "" && item.ProductID != f.ProductID {
			continue
		}
		if f.Since != nil && item.QueuedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && item.QueuedAt.After(*f.Until) {
			continue
		}
		out = append(out, *cloneOf(item))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.WorkflowItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.WorkflowItem
	for _, item := range m.workflows {
		if !claimable(item, now) {
			continue
		}
		due = append(due, item)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].QueuedAt.Before(due[j].QueuedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.WorkflowItem, 0, len(due))
	for _, item := range due {
		from := item.State
		item.State = models.StateProcessing
		t := now
		item.StartedAt = &t
		m.transitions = append(m.transitions, models.WorkflowTransition{
			ID:         uuid.NewString(),
			WorkflowID: item.ID,
			FromState:  from,
			ToState:    models.StateProcessing,
			Stage:      item.Stage,
			Reason:     "claimed for processing",
			Actor:      "worker",
			CreatedAt:  now,
		})
		out = append(out, *cloneOf(item))
	}
	return out, nil
}

func claimable(item *models.WorkflowItem, now time.Time) bool {
	switch item.State {
	case models.StateQueued:
		return true
	case models.StateRetrying, models.StateQuotaExceeded:
		return item.NextRetryAt != nil && !item.NextRetryAt.After(now)
	default:
		return false
	}
}

func (m *Memory) TryLockWorkflow(ctx context.Context, workflowID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[workflowID] {
		return nil, ErrLockHeld
	}
	m.locks[workflowID] = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, workflowID)
			m.mu.Unlock()
		})
	}
	return release, nil
}

func (m *Memory) AppendTransition(ctx context.Context, tr *models.WorkflowTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = m.now()
	}
	m.transitions = append(m.transitions, *cloneOf(tr))
	return nil
}

func (m *Memory) ListTransitions(ctx context.Context, workflowID string, limit int) ([]models.WorkflowTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkflowTransition
	for i := len(m.transitions) - 1; i >= 0; i-- {
		if m.transitions[i].WorkflowID != workflowID {
			continue
		}
		out = append(out, m.transitions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PruneTransitions(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.transitions[:0]
	var pruned int64
	for _, tr := range m.transitions {
		if tr.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, tr)
	}
	m.transitions = kept
	return pruned, nil
}

func (m *Memory) CountsByState(ctx context.Context, since, until *time.Time) (map[models.WorkflowState]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.WorkflowState]int64)
	for _, item := range m.workflows {
		if since != nil && item.QueuedAt.Before(*since) {
			continue
		}
		if until != nil && item.QueuedAt.After(*until) {
			continue
		}
		out[item.State]++
	}
	return out, nil
}

// ── Quota usage log ──────────────────────────────────────────

func (m *Memory) AppendQuotaUsage(ctx context.Context, e *models.QuotaUsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.quotaUsage = append(m.quotaUsage, *cloneOf(e))
	return nil
}

func (m *Memory) ListQuotaUsage(ctx context.Context, workflowID string) ([]models.QuotaUsageEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.QuotaUsageEntry
	for _, e := range m.quotaUsage {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ── Notification channels ────────────────────────────────────

func (m *Memory) CreateChannel(ctx context.Context, ch *models.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = m.now()
	}
	m.channels[ch.ID] = cloneOf(ch)
	return nil
}

func (m *Memory) ListChannels(ctx context.Context, activeOnly bool) ([]models.NotificationChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.NotificationChannel
	for _, ch := range m.channels {
		if activeOnly && !ch.Active {
			continue
		}
		out = append(out, *cloneOf(ch))
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Name, out[j].Name) < 0
	})
	return out, nil
}

func (m *Memory) DeleteChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[id]; !ok {
		return ErrNotFound
	}
	delete(m.channels, id)
	return nil
}

// ── Helpers ──────────────────────────────────────────────────

func stateIn(s models.WorkflowState, states []models.WorkflowState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// cloneOf shallow-copies a struct so callers never share our internals.
// Nested maps/slices stay shared; callers treat reads as immutable.
func cloneOf[T any](v *T) *T {
	c := *v
	return &c
}
