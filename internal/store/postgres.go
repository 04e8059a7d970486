package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/pkg/models"
)

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings, and runs the schema migration.
func NewPostgres(ctx context.Context, connURL string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int("max_conns", maxConns).Msg("🗄️ postgres store initialized")
	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS brands (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		normalized_name TEXT NOT NULL UNIQUE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS products (
		id                   TEXT PRIMARY KEY,
		brand_id             TEXT NOT NULL DEFAULT '',
		name                 TEXT NOT NULL,
		retailer_product_id  TEXT NOT NULL DEFAULT '',
		product_hash         TEXT NOT NULL DEFAULT '',
		primary_image_url    TEXT NOT NULL DEFAULT '',
		primary_image_source TEXT NOT NULL DEFAULT '',
		latest_content_hash  TEXT NOT NULL DEFAULT '',
		metadata             JSONB NOT NULL DEFAULT '{}',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_products_retailer_pid
		ON products (retailer_product_id) WHERE retailer_product_id <> '';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_products_hash
		ON products (product_hash) WHERE product_hash <> '';

	CREATE TABLE IF NOT EXISTS product_versions (
		id           TEXT PRIMARY KEY,
		product_id   TEXT NOT NULL,
		version_seq  INT NOT NULL,
		content_hash TEXT NOT NULL,
		source       TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (product_id, version_seq)
	);

	CREATE TABLE IF NOT EXISTS source_pages (
		id             TEXT PRIMARY KEY,
		product_id     TEXT NOT NULL DEFAULT '',
		retailer       TEXT NOT NULL DEFAULT '',
		url            TEXT NOT NULL UNIQUE,
		title          TEXT NOT NULL DEFAULT '',
		content_hash   TEXT NOT NULL DEFAULT '',
		extracted_data JSONB,
		first_seen_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS product_facts (
		id                TEXT PRIMARY KEY,
		product_id        TEXT NOT NULL,
		family            TEXT NOT NULL,
		payload           JSONB NOT NULL,
		valid_from        TIMESTAMPTZ NOT NULL,
		valid_to          TIMESTAMPTZ,
		is_current        BOOLEAN NOT NULL DEFAULT TRUE,
		last_confirmed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_facts_current
		ON product_facts (product_id, family) WHERE is_current;

	CREATE TABLE IF NOT EXISTS squor_scores (
		id                 TEXT PRIMARY KEY,
		product_id         TEXT NOT NULL,
		product_version_id TEXT NOT NULL,
		scheme             TEXT NOT NULL,
		score              DOUBLE PRECISION NOT NULL,
		grade              TEXT NOT NULL,
		breakdown          JSONB NOT NULL DEFAULT '{}',
		computed_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_scores_product ON squor_scores (product_id, computed_at DESC);

	CREATE TABLE IF NOT EXISTS squor_components (
		id            TEXT PRIMARY KEY,
		squor_id      TEXT NOT NULL,
		component_key TEXT NOT NULL,
		weight        DOUBLE PRECISION NOT NULL,
		value         DOUBLE PRECISION NOT NULL,
		explain_md    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_components_squor ON squor_components (squor_id);

	CREATE TABLE IF NOT EXISTS workflow_items (
		id             TEXT PRIMARY KEY,
		product_id     TEXT NOT NULL DEFAULT '',
		source_page_id TEXT NOT NULL DEFAULT '',
		priority       INT NOT NULL DEFAULT 5,
		state          TEXT NOT NULL,
		stage          TEXT NOT NULL DEFAULT '',
		retry_count    INT NOT NULL DEFAULT 0,
		max_retries    INT NOT NULL DEFAULT 3,
		next_retry_at  TIMESTAMPTZ,
		last_error     TEXT NOT NULL DEFAULT '',
		stage_details  JSONB NOT NULL DEFAULT '{}',
		queued_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at     TIMESTAMPTZ,
		completed_at   TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_workflow_claim
		ON workflow_items (priority DESC, queued_at ASC)
		WHERE state IN ('queued', 'retrying', 'quota_exceeded');

	CREATE TABLE IF NOT EXISTS workflow_transitions (
		id          TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		from_state  TEXT NOT NULL,
		to_state    TEXT NOT NULL,
		stage       TEXT NOT NULL DEFAULT '',
		reason      TEXT NOT NULL DEFAULT '',
		metadata    JSONB NOT NULL DEFAULT '{}',
		actor       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_workflow
		ON workflow_transitions (workflow_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS quota_usage (
		id          TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		service     TEXT NOT NULL,
		snapshot    JSONB NOT NULL DEFAULT '{}',
		tokens_used INT NOT NULL DEFAULT 0,
		cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS notification_channels (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		url        TEXT NOT NULL DEFAULT '',
		secret     TEXT NOT NULL DEFAULT '',
		events     JSONB NOT NULL DEFAULT '[]',
		filter     TEXT NOT NULL DEFAULT '',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Postgres) Close()                         { s.pool.Close() }

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// ── Catalog ──────────────────────────────────────────────────

func (s *Postgres) UpsertBrand(ctx context.Context, name, normalizedName string) (*models.Brand, error) {
	b := &models.Brand{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO brands (id, name, normalized_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (normalized_name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		RETURNING id, name, normalized_name, created_at`,
		uuid.NewString(), name, normalizedName,
	).Scan(&b.ID, &b.Name, &b.NormalizedName, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert brand: %w", err)
	}
	return b, nil
}

func (s *Postgres) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	meta, err := json.Marshal(orEmptyMap(p.Metadata))
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO products (id, brand_id, name, retailer_product_id, product_hash,
			primary_image_url, primary_image_source, latest_content_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		p.ID, p.BrandID, p.Name, p.RetailerProductID, p.ProductHash,
		p.PrimaryImageURL, p.PrimaryImageSource, p.LatestContentHash, meta,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

const productCols = `id, brand_id, name, retailer_product_id, product_hash,
	primary_image_url, primary_image_source, latest_content_hash, metadata, created_at, updated_at`

func scanProduct(row pgx.Row) (*models.Product, error) {
	p := &models.Product{}
	var meta []byte
	err := row.Scan(&p.ID, &p.BrandID, &p.Name, &p.RetailerProductID, &p.ProductHash,
		&p.PrimaryImageURL, &p.PrimaryImageSource, &p.LatestContentHash, &meta, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		json.Unmarshal(meta, &p.Metadata)
	}
	return p, nil
}

func (s *Postgres) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

func (s *Postgres) FindProductByKey(ctx context.Context, retailerProductID, productHash string) (*models.Product, error) {
	or := squirrel.Or{}
	if retailerProductID != "" {
		or = append(or, squirrel.Eq{"retailer_product_id": retailerProductID})
	}
	if productHash != "" {
		or = append(or, squirrel.Eq{"product_hash": productHash})
	}
	if len(or) == 0 {
		return nil, ErrNotFound
	}

	query, args, err := psql.Select(productCols).From("products").Where(or).Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	return scanProduct(s.pool.QueryRow(ctx, query, args...))
}

func (s *Postgres) UpdateProduct(ctx context.Context, p *models.Product) error {
	meta, err := json.Marshal(orEmptyMap(p.Metadata))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE products SET brand_id = $2, name = $3, retailer_product_id = $4,
			product_hash = $5, primary_image_url = $6, primary_image_source = $7,
			latest_content_hash = $8, metadata = $9, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.BrandID, p.Name, p.RetailerProductID, p.ProductHash,
		p.PrimaryImageURL, p.PrimaryImageSource, p.LatestContentHash, meta)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CreateVersion(ctx context.Context, v *models.ProductVersion) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO product_versions (id, product_id, version_seq, content_hash, source)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		v.ID, v.ProductID, v.VersionSeq, v.ContentHash, v.Source,
	).Scan(&v.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrVersionConflict
		}
		return fmt.Errorf("create version: %w", err)
	}
	return nil
}

func scanVersion(row pgx.Row) (*models.ProductVersion, error) {
	v := &models.ProductVersion{}
	err := row.Scan(&v.ID, &v.ProductID, &v.VersionSeq, &v.ContentHash, &v.Source, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Postgres) LatestVersion(ctx context.Context, productID string) (*models.ProductVersion, error) {
	return scanVersion(s.pool.QueryRow(ctx, `
		SELECT id, product_id, version_seq, content_hash, source, created_at
		FROM product_versions WHERE product_id = $1
		ORDER BY version_seq DESC LIMIT 1`, productID))
}

func (s *Postgres) GetVersion(ctx context.Context, id string) (*models.ProductVersion, error) {
	return scanVersion(s.pool.QueryRow(ctx, `
		SELECT id, product_id, version_seq, content_hash, source, created_at
		FROM product_versions WHERE id = $1`, id))
}

// ── Source pages ─────────────────────────────────────────────

func (s *Postgres) UpsertSourcePage(ctx context.Context, page *models.SourcePage) (*models.SourcePage, error) {
	extracted, err := json.Marshal(page.ExtractedData)
	if err != nil {
		return nil, err
	}
	out := &models.SourcePage{}
	var raw []byte
	err = s.pool.QueryRow(ctx, `
		INSERT INTO source_pages (id, product_id, retailer, url, title, content_hash, extracted_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url) DO UPDATE SET
			last_seen_at   = NOW(),
			content_hash   = EXCLUDED.content_hash,
			extracted_data = EXCLUDED.extracted_data,
			product_id     = CASE WHEN EXCLUDED.product_id <> '' THEN EXCLUDED.product_id
			                      ELSE source_pages.product_id END
		RETURNING id, product_id, retailer, url, title, content_hash, extracted_data, first_seen_at, last_seen_at`,
		uuid.NewString(), page.ProductID, page.Retailer, page.URL, page.Title, page.ContentHash, extracted,
	).Scan(&out.ID, &out.ProductID, &out.Retailer, &out.URL, &out.Title, &out.ContentHash, &raw, &out.FirstSeenAt, &out.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("upsert source page: %w", err)
	}
	if len(raw) > 0 && string(raw) != "null" {
		out.ExtractedData = &models.Listing{}
		json.Unmarshal(raw, out.ExtractedData)
	}
	return out, nil
}

func (s *Postgres) GetSourcePage(ctx context.Context, id string) (*models.SourcePage, error) {
	out := &models.SourcePage{}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, product_id, retailer, url, title, content_hash, extracted_data, first_seen_at, last_seen_at
		FROM source_pages WHERE id = $1`, id,
	).Scan(&out.ID, &out.ProductID, &out.Retailer, &out.URL, &out.Title, &out.ContentHash, &raw, &out.FirstSeenAt, &out.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		out.ExtractedData = &models.Listing{}
		json.Unmarshal(raw, out.ExtractedData)
	}
	return out, nil
}

// ── Facts (SCD-2) ────────────────────────────────────────────

// saveFact closes the family's current row and opens a new one in a
// single transaction. The payload embeds the meta so reads can rebuild
// the full fact from one column.
func (s *Postgres) saveFact(ctx context.Context, productID string, family models.FactFamily, meta *models.FactMeta, fact any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE product_facts SET is_current = FALSE, valid_to = $3
		WHERE product_id = $1 AND family = $2 AND is_current`,
		productID, string(family), now); err != nil {
		return fmt.Errorf("close %s fact: %w", family, err)
	}

	openRow(meta, now)
	payload, err := json.Marshal(fact)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO product_facts (id, product_id, family, payload, valid_from, is_current, last_confirmed_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $5)`,
		meta.ID, productID, string(family), payload, now); err != nil {
		return fmt.Errorf("open %s fact: %w", family, err)
	}

	return tx.Commit(ctx)
}

func (s *Postgres) SaveIngredientsFact(ctx context.Context, productID string, f *models.IngredientsFact) error {
	return s.saveFact(ctx, productID, models.FamilyIngredients, &f.FactMeta, f)
}

func (s *Postgres) SaveNutritionFact(ctx context.Context, productID string, f *models.NutritionFact) error {
	return s.saveFact(ctx, productID, models.FamilyNutrition, &f.FactMeta, f)
}

func (s *Postgres) SaveAllergensFact(ctx context.Context, productID string, f *models.AllergensFact) error {
	return s.saveFact(ctx, productID, models.FamilyAllergens, &f.FactMeta, f)
}

func (s *Postgres) SaveClaimsFact(ctx context.Context, productID string, f *models.ClaimsFact) error {
	return s.saveFact(ctx, productID, models.FamilyClaims, &f.FactMeta, f)
}

func (s *Postgres) ReplaceCertifications(ctx context.Context, productID string, fs []models.CertificationsFact) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE product_facts SET is_current = FALSE, valid_to = $3
		WHERE product_id = $1 AND family = $2 AND is_current`,
		productID, string(models.FamilyCertifications), now); err != nil {
		return fmt.Errorf("close certifications: %w", err)
	}

	for i := range fs {
		openRow(&fs[i].FactMeta, now)
		payload, err := json.Marshal(&fs[i])
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO product_facts (id, product_id, family, payload, valid_from, is_current, last_confirmed_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, $5)`,
			fs[i].ID, productID, string(models.FamilyCertifications), payload, now); err != nil {
			return fmt.Errorf("open certification: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Postgres) ReaffirmFacts(ctx context.Context, productID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE product_facts SET last_confirmed_at = $2
		WHERE product_id = $1 AND is_current`, productID, at)
	return err
}

func (s *Postgres) CurrentFacts(ctx context.Context, productID string) (*FactSet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, family, payload, valid_from, valid_to, is_current, last_confirmed_at
		FROM product_facts WHERE product_id = $1 AND is_current`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := &FactSet{}
	for rows.Next() {
		var (
			meta    models.FactMeta
			family  string
			payload []byte
		)
		if err := rows.Scan(&meta.ID, &family, &payload, &meta.ValidFrom, &meta.ValidTo, &meta.IsCurrent, &meta.LastConfirmedAt); err != nil {
			return nil, err
		}

		// The payload carries the meta as written; the columns are
		// authoritative for reaffirm timestamps.
		switch models.FactFamily(family) {
		case models.FamilyIngredients:
			f := &models.IngredientsFact{}
			if err := json.Unmarshal(payload, f); err != nil {
				return nil, err
			}
			overlayMeta(&f.FactMeta, meta)
			set.Ingredients = f
		case models.FamilyNutrition:
			f := &models.NutritionFact{}
			if err := json.Unmarshal(payload, f); err != nil {
				return nil, err
			}
			overlayMeta(&f.FactMeta, meta)
			set.Nutrition = f
		case models.FamilyAllergens:
			f := &models.AllergensFact{}
			if err := json.Unmarshal(payload, f); err != nil {
				return nil, err
			}
			overlayMeta(&f.FactMeta, meta)
			set.Allergens = f
		case models.FamilyClaims:
			f := &models.ClaimsFact{}
			if err := json.Unmarshal(payload, f); err != nil {
				return nil, err
			}
			overlayMeta(&f.FactMeta, meta)
			set.Claims = f
		case models.FamilyCertifications:
			f := models.CertificationsFact{}
			if err := json.Unmarshal(payload, &f); err != nil {
				return nil, err
			}
			overlayMeta(&f.FactMeta, meta)
			set.Certifications = append(set.Certifications, f)
		}
	}
	return set, rows.Err()
}

func overlayMeta(dst *models.FactMeta, src models.FactMeta) {
	confidence := dst.Confidence
	pvID := dst.ProductVersionID
	*dst = src
	dst.Confidence = confidence
	dst.ProductVersionID = pvID
}

// ── Scores ───────────────────────────────────────────────────

func (s *Postgres) CreateScore(ctx context.Context, sc *models.SquorScore, components []models.SquorComponent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var productID string
	err = tx.QueryRow(ctx, `SELECT product_id FROM product_versions WHERE id = $1`, sc.ProductVersionID).Scan(&productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	breakdown, err := json.Marshal(orEmptyMap(sc.Breakdown))
	if err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO squor_scores (id, product_id, product_version_id, scheme, score, grade, breakdown)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING computed_at`,
		sc.ID, productID, sc.ProductVersionID, sc.Scheme, sc.Score, sc.Grade, breakdown,
	).Scan(&sc.ComputedAt)
	if err != nil {
		return fmt.Errorf("create score: %w", err)
	}

	for i := range components {
		if components[i].ID == "" {
			components[i].ID = uuid.NewString()
		}
		components[i].SquorID = sc.ID
		if _, err := tx.Exec(ctx, `
			INSERT INTO squor_components (id, squor_id, component_key, weight, value, explain_md)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			components[i].ID, sc.ID, components[i].ComponentKey,
			components[i].Weight, components[i].Value, components[i].Explain); err != nil {
			return fmt.Errorf("create component: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Postgres) LatestScore(ctx context.Context, productID string) (*models.SquorScore, []models.SquorComponent, error) {
	sc := &models.SquorScore{}
	var breakdown []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, product_version_id, scheme, score, grade, breakdown, computed_at
		FROM squor_scores WHERE product_id = $1
		ORDER BY computed_at DESC LIMIT 1`, productID,
	).Scan(&sc.ID, &sc.ProductVersionID, &sc.Scheme, &sc.Score, &sc.Grade, &breakdown, &sc.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if len(breakdown) > 0 {
		json.Unmarshal(breakdown, &sc.Breakdown)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, squor_id, component_key, weight, value, explain_md
		FROM squor_components WHERE squor_id = $1
		ORDER BY component_key`, sc.ID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var comps []models.SquorComponent
	for rows.Next() {
		var c models.SquorComponent
		if err := rows.Scan(&c.ID, &c.SquorID, &c.ComponentKey, &c.Weight, &c.Value, &c.Explain); err != nil {
			return nil, nil, err
		}
		comps = append(comps, c)
	}
	return sc, comps, rows.Err()
}

// ── Workflows ────────────────────────────────────────────────

const workflowCols = `id, product_id, source_page_id, priority, state, stage,
	retry_count, max_retries, next_retry_at, last_error, stage_details, queued_at, started_at, completed_at`

func scanWorkflow(row pgx.Row) (*models.WorkflowItem, error) {
	item := &models.WorkflowItem{}
	var details []byte
	err := row.Scan(&item.ID, &item.ProductID, &item.SourcePageID, &item.Priority,
		&item.State, &item.Stage, &item.RetryCount, &item.MaxRetries, &item.NextRetryAt,
		&item.LastError, &details, &item.QueuedAt, &item.StartedAt, &item.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &item.StageDetails); err != nil {
			return nil, fmt.Errorf("decode stage details: %w", err)
		}
	}
	return item, nil
}

func (s *Postgres) CreateWorkflow(ctx context.Context, item *models.WorkflowItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now().UTC()
	}
	details, err := json.Marshal(&item.StageDetails)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_items (id, product_id, source_page_id, priority, state, stage,
			retry_count, max_retries, next_retry_at, last_error, stage_details, queued_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		item.ID, item.ProductID, item.SourcePageID, item.Priority, item.State, item.Stage,
		item.RetryCount, item.MaxRetries, item.NextRetryAt, item.LastError, details,
		item.QueuedAt, item.StartedAt, item.CompletedAt)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *Postgres) GetWorkflow(ctx context.Context, id string) (*models.WorkflowItem, error) {
	return scanWorkflow(s.pool.QueryRow(ctx, `SELECT `+workflowCols+` FROM workflow_items WHERE id = $1`, id))
}

func (s *Postgres) UpdateWorkflow(ctx context.Context, item *models.WorkflowItem) error {
	details, err := json.Marshal(&item.StageDetails)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_items SET product_id = $2, source_page_id = $3, priority = $4,
			state = $5, stage = $6, retry_count = $7, max_retries = $8, next_retry_at = $9,
			last_error = $10, stage_details = $11, queued_at = $12, started_at = $13, completed_at = $14
		WHERE id = $1`,
		item.ID, item.ProductID, item.SourcePageID, item.Priority, item.State, item.Stage,
		item.RetryCount, item.MaxRetries, item.NextRetryAt, item.LastError, details,
		item.QueuedAt, item.StartedAt, item.CompletedAt)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]models.WorkflowItem, error) {
	b := psql.Select(workflowCols).From("workflow_items").
		OrderBy("priority DESC", "queued_at ASC")
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		b = b.Where(squirrel.Eq{"state": states})
	}
	if f.Stage != "" {
		b = b.Where(squirrel.Eq{"stage": string(f.Stage)})
	}
	if f.ProductID != "" {
		b = b.Where(squirrel.Eq{"product_id": f.ProductID})
	}
	if f.Since != nil {
		b = b.Where(squirrel.GtOrEq{"queued_at": *f.Since})
	}
	if f.Until != nil {
		b = b.Where(squirrel.LtOrEq{"queued_at": *f.Until})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		b = b.Offset(uint64(f.Offset))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WorkflowItem
	for rows.Next() {
		item, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (s *Postgres) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.WorkflowItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, state FROM workflow_items
		WHERE state = 'queued'
		   OR (state IN ('retrying', 'quota_exceeded') AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
		ORDER BY priority DESC, queued_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	fromStates := make(map[string]string)
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		fromStates[id] = state
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed, err := tx.Query(ctx, `
		UPDATE workflow_items SET state = 'processing', started_at = $1
		WHERE id = ANY($2)
		RETURNING `+workflowCols, now, ids)
	if err != nil {
		return nil, err
	}
	var out []models.WorkflowItem
	for claimed.Next() {
		item, err := scanWorkflow(claimed)
		if err != nil {
			claimed.Close()
			return nil, err
		}
		out = append(out, *item)
	}
	claimed.Close()
	if err := claimed.Err(); err != nil {
		return nil, err
	}

	// Every accepted transition leaves an audit row, claims included.
	for _, item := range out {
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_transitions (id, workflow_id, from_state, to_state, stage, reason, metadata, actor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, '{}', $7, $8)`,
			uuid.NewString(), item.ID, fromStates[item.ID], string(models.StateProcessing),
			string(item.Stage), "claimed for processing", "worker", now); err != nil {
			return nil, fmt.Errorf("claim audit row: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the claim order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out, nil
}

// lockKey hashes a workflow id into the positive int32 space used for
// advisory locks.
func lockKey(workflowID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(workflowID))
	return int64(h.Sum64() % 2147483647)
}

func (s *Postgres) TryLockWorkflow(ctx context.Context, workflowID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	key := lockKey(workflowID)
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Release()
		return nil, err
	}
	if !locked {
		conn.Release()
		return nil, ErrLockHeld
	}

	// The lock lives on this connection; hold it until release.
	var once sync.Once
	release := func() {
		once.Do(func() {
			if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key); err != nil {
				log.Warn().Err(err).Str("workflow_id", workflowID).Msg("advisory unlock failed")
			}
			conn.Release()
		})
	}
	return release, nil
}

func (s *Postgres) AppendTransition(ctx context.Context, tr *models.WorkflowTransition) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(orEmptyMap(tr.Metadata))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_transitions (id, workflow_id, from_state, to_state, stage, reason, metadata, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tr.ID, tr.WorkflowID, tr.FromState, tr.ToState, tr.Stage, tr.Reason, meta, tr.Actor, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (s *Postgres) ListTransitions(ctx context.Context, workflowID string, limit int) ([]models.WorkflowTransition, error) {
	b := psql.Select("id", "workflow_id", "from_state", "to_state", "stage", "reason", "metadata", "actor", "created_at").
		From("workflow_transitions").
		Where(squirrel.Eq{"workflow_id": workflowID}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WorkflowTransition
	for rows.Next() {
		var tr models.WorkflowTransition
		var meta []byte
		if err := rows.Scan(&tr.ID, &tr.WorkflowID, &tr.FromState, &tr.ToState, &tr.Stage, &tr.Reason, &meta, &tr.Actor, &tr.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			json.Unmarshal(meta, &tr.Metadata)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Postgres) PruneTransitions(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_transitions WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) CountsByState(ctx context.Context, since, until *time.Time) (map[models.WorkflowState]int64, error) {
	b := psql.Select("state", "COUNT(*)").From("workflow_items").GroupBy("state")
	if since != nil {
		b = b.Where(squirrel.GtOrEq{"queued_at": *since})
	}
	if until != nil {
		b = b.Where(squirrel.LtOrEq{"queued_at": *until})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[models.WorkflowState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		out[models.WorkflowState(state)] = count
	}
	return out, rows.Err()
}

// ── Quota usage log ──────────────────────────────────────────

func (s *Postgres) AppendQuotaUsage(ctx context.Context, e *models.QuotaUsageEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	snapshot, err := json.Marshal(orEmptyMap(e.Snapshot))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO quota_usage (id, workflow_id, service, snapshot, tokens_used, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkflowID, e.Service, snapshot, e.TokensUsed, e.CostUSD, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append quota usage: %w", err)
	}
	return nil
}

func (s *Postgres) ListQuotaUsage(ctx context.Context, workflowID string) ([]models.QuotaUsageEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, service, snapshot, tokens_used, cost_usd, created_at
		FROM quota_usage WHERE workflow_id = $1
		ORDER BY created_at ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QuotaUsageEntry
	for rows.Next() {
		var e models.QuotaUsageEntry
		var snapshot []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Service, &snapshot, &e.TokensUsed, &e.CostUSD, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(snapshot) > 0 {
			json.Unmarshal(snapshot, &e.Snapshot)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Notification channels ────────────────────────────────────

func (s *Postgres) CreateChannel(ctx context.Context, ch *models.NotificationChannel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	events, err := json.Marshal(orEmptySlice(ch.Events))
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO notification_channels (id, name, kind, url, secret, events, filter, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		ch.ID, ch.Name, string(ch.Kind), ch.URL, ch.Secret, events, ch.Filter, ch.Active,
	).Scan(&ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *Postgres) ListChannels(ctx context.Context, activeOnly bool) ([]models.NotificationChannel, error) {
	b := psql.Select("id", "name", "kind", "url", "secret", "events", "filter", "active", "created_at").
		From("notification_channels").
		OrderBy("name ASC")
	if activeOnly {
		b = b.Where(squirrel.Eq{"active": true})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.NotificationChannel
	for rows.Next() {
		var ch models.NotificationChannel
		var kind string
		var events []byte
		if err := rows.Scan(&ch.ID, &ch.Name, &kind, &ch.URL, &ch.Secret, &events, &ch.Filter, &ch.Active, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Kind = models.ChannelKind(kind)
		if len(events) > 0 {
			json.Unmarshal(events, &ch.Events)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Postgres) DeleteChannel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notification_channels WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Helpers ──────────────────────────────────────────────────

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
