package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasresch/vectra/internal/models"
)

// Postgres implements Store on PostgreSQL via pgx. Structured configs are
// stored as JSONB; outcome rows upsert on their natural key so redelivery
// updates instead of duplicating.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS collection_transforms (
	id BIGSERIAL PRIMARY KEY,
	collection_id BIGINT NOT NULL,
	dataset_id BIGINT NOT NULL,
	bucket TEXT NOT NULL,
	prefix TEXT NOT NULL DEFAULT '',
	is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	config JSONB NOT NULL,
	shape_locked BOOLEAN NOT NULL DEFAULT FALSE,
	generation INT NOT NULL DEFAULT 0,
	last_run_status TEXT NOT NULL DEFAULT 'never_run',
	last_run_at TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS dataset_transforms (
	id BIGSERIAL PRIMARY KEY,
	dataset_id BIGINT NOT NULL,
	bucket TEXT NOT NULL,
	embedder_ids BIGINT[] NOT NULL,
	is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	shape_locked BOOLEAN NOT NULL DEFAULT FALSE,
	generation INT NOT NULL DEFAULT 0,
	last_run_status TEXT NOT NULL DEFAULT 'never_run',
	last_run_at TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS visualization_transforms (
	id BIGSERIAL PRIMARY KEY,
	embedded_dataset_id BIGINT NOT NULL,
	bucket TEXT NOT NULL,
	is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	config JSONB NOT NULL,
	last_run_status TEXT NOT NULL DEFAULT 'never_run',
	last_run_at TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS embedders (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	config JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS dataset_items (
	id BIGSERIAL PRIMARY KEY,
	dataset_id BIGINT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	chunk_text TEXT NOT NULL,
	chunk_index INT NOT NULL,
	source_file_key TEXT NOT NULL,
	metadata JSONB,
	UNIQUE (dataset_id, source_file_key, chunk_index)
);
CREATE TABLE IF NOT EXISTS embedded_datasets (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	collection_name TEXT NOT NULL UNIQUE,
	dimensions INT NOT NULL,
	origin JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS unit_outcomes (
	kind TEXT NOT NULL,
	transform_id BIGINT NOT NULL,
	embedded_dataset_id BIGINT NOT NULL DEFAULT 0,
	generation INT NOT NULL,
	unit_key TEXT NOT NULL,
	status TEXT NOT NULL,
	item_count INT NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	processed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, transform_id, generation, unit_key)
);
CREATE TABLE IF NOT EXISTS visualizations (
	id BIGSERIAL PRIMARY KEY,
	transform_id BIGINT NOT NULL,
	status TEXT NOT NULL,
	point_count INT NOT NULL DEFAULT 0,
	cluster_count INT NOT NULL DEFAULT 0,
	html_artifact_key TEXT NOT NULL DEFAULT '',
	stats_json TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT ''
);`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (p *Postgres) GetCollectionTransform(ctx context.Context, id int64) (models.CollectionTransform, error) {
	var t models.CollectionTransform
	var cfg []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, collection_id, dataset_id, bucket, prefix, is_enabled, config,
		       shape_locked, generation, last_run_status, last_run_at, last_error
		FROM collection_transforms WHERE id = $1`, id).Scan(
		&t.ID, &t.CollectionID, &t.DatasetID, &t.Bucket, &t.Prefix, &t.IsEnabled, &cfg,
		&t.ShapeLocked, &t.Generation, &t.LastRunStatus, &t.LastRunAt, &t.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("%w: collection transform %d", ErrNotFound, id)
	}
	if err != nil {
		return t, fmt.Errorf("get collection transform %d: %w", id, err)
	}
	if err := json.Unmarshal(cfg, &t.Config); err != nil {
		return t, fmt.Errorf("decode collection transform %d config: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) GetDatasetTransform(ctx context.Context, id int64) (models.DatasetTransform, error) {
	var t models.DatasetTransform
	err := p.pool.QueryRow(ctx, `
		SELECT id, dataset_id, bucket, embedder_ids, is_enabled, shape_locked,
		       generation, last_run_status, last_run_at, last_error
		FROM dataset_transforms WHERE id = $1`, id).Scan(
		&t.ID, &t.DatasetID, &t.Bucket, &t.EmbedderIDs, &t.IsEnabled, &t.ShapeLocked,
		&t.Generation, &t.LastRunStatus, &t.LastRunAt, &t.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("%w: dataset transform %d", ErrNotFound, id)
	}
	if err != nil {
		return t, fmt.Errorf("get dataset transform %d: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) GetVisualizationTransform(ctx context.Context, id int64) (models.VisualizationTransform, error) {
	var t models.VisualizationTransform
	var cfg []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, embedded_dataset_id, bucket, is_enabled, config,
		       last_run_status, last_run_at, last_error
		FROM visualization_transforms WHERE id = $1`, id).Scan(
		&t.ID, &t.EmbeddedDatasetID, &t.Bucket, &t.IsEnabled, &cfg,
		&t.LastRunStatus, &t.LastRunAt, &t.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, fmt.Errorf("%w: visualization transform %d", ErrNotFound, id)
	}
	if err != nil {
		return t, fmt.Errorf("get visualization transform %d: %w", id, err)
	}
	if err := json.Unmarshal(cfg, &t.Config); err != nil {
		return t, fmt.Errorf("decode visualization transform %d config: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) StartCollectionRun(ctx context.Context, id int64) (models.CollectionTransform, error) {
	_, err := p.pool.Exec(ctx, `
		UPDATE collection_transforms
		SET generation = generation + 1, last_run_status = $2, last_run_at = $3, last_error = ''
		WHERE id = $1`, id, models.RunStatusRunning, time.Now().UTC())
	if err != nil {
		return models.CollectionTransform{}, fmt.Errorf("start collection run %d: %w", id, err)
	}
	return p.GetCollectionTransform(ctx, id)
}

func (p *Postgres) StartDatasetRun(ctx context.Context, id int64) (models.DatasetTransform, error) {
	_, err := p.pool.Exec(ctx, `
		UPDATE dataset_transforms
		SET generation = generation + 1, last_run_status = $2, last_run_at = $3, last_error = ''
		WHERE id = $1`, id, models.RunStatusRunning, time.Now().UTC())
	if err != nil {
		return models.DatasetTransform{}, fmt.Errorf("start dataset run %d: %w", id, err)
	}
	return p.GetDatasetTransform(ctx, id)
}

func (p *Postgres) FinishCollectionRun(ctx context.Context, id int64, status models.RunStatus, errMsg string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE collection_transforms
		SET last_run_status = $2, last_error = $3,
		    shape_locked = shape_locked OR $4
		WHERE id = $1`, id, status, errMsg, status == models.RunStatusCompleted)
	if err != nil {
		return fmt.Errorf("finish collection run %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) FinishDatasetRun(ctx context.Context, id int64, status models.RunStatus, errMsg string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE dataset_transforms
		SET last_run_status = $2, last_error = $3,
		    shape_locked = shape_locked OR $4
		WHERE id = $1`, id, status, errMsg, status == models.RunStatusCompleted)
	if err != nil {
		return fmt.Errorf("finish dataset run %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) UpdateCollectionTransformConfig(ctx context.Context, id int64, cfg models.JobConfig) error {
	cur, err := p.GetCollectionTransform(ctx, id)
	if err != nil {
		return err
	}
	if cur.ShapeLocked && shapeChanged(cur.Config, cfg) {
		return ErrShapeLocked
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = p.pool.Exec(ctx, `UPDATE collection_transforms SET config = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("update collection transform %d config: %w", id, err)
	}
	return nil
}

func (p *Postgres) GetEmbedder(ctx context.Context, id int64) (models.Embedder, error) {
	var e models.Embedder
	var cfg []byte
	err := p.pool.QueryRow(ctx, `SELECT id, name, config FROM embedders WHERE id = $1`, id).
		Scan(&e.ID, &e.Name, &cfg)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, fmt.Errorf("%w: embedder %d", ErrNotFound, id)
	}
	if err != nil {
		return e, fmt.Errorf("get embedder %d: %w", id, err)
	}
	if err := json.Unmarshal(cfg, &e.Config); err != nil {
		return e, fmt.Errorf("decode embedder %d config: %w", id, err)
	}
	return e, nil
}

func (p *Postgres) AppendDatasetItems(ctx context.Context, datasetID int64, items []models.DatasetItem) (int, error) {
	created := 0
	for _, it := range items {
		meta, err := json.Marshal(it.Metadata)
		if err != nil {
			return created, fmt.Errorf("encode item metadata: %w", err)
		}
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO dataset_items (dataset_id, title, chunk_text, chunk_index, source_file_key, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dataset_id, source_file_key, chunk_index) DO NOTHING`,
			datasetID, it.Title, it.ChunkText, it.ChunkIndex, it.SourceFileKey, meta)
		if err != nil {
			return created, fmt.Errorf("append dataset item: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (p *Postgres) ListDatasetItems(ctx context.Context, datasetID int64) ([]models.DatasetItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, dataset_id, title, chunk_text, chunk_index, source_file_key, metadata
		FROM dataset_items WHERE dataset_id = $1
		ORDER BY source_file_key, chunk_index`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list dataset items: %w", err)
	}
	defer rows.Close()

	var out []models.DatasetItem
	for rows.Next() {
		var it models.DatasetItem
		var meta []byte
		if err := rows.Scan(&it.ID, &it.DatasetID, &it.Title, &it.ChunkText,
			&it.ChunkIndex, &it.SourceFileKey, &meta); err != nil {
			return nil, fmt.Errorf("scan dataset item: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &it.Metadata)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteDatasetItemsForFile(ctx context.Context, datasetID int64, sourceFileKey string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM dataset_items WHERE dataset_id = $1 AND source_file_key = $2`,
		datasetID, sourceFileKey)
	if err != nil {
		return fmt.Errorf("delete dataset items for %s: %w", sourceFileKey, err)
	}
	return nil
}

func (p *Postgres) CreateEmbeddedDataset(ctx context.Context, ds *models.EmbeddedDataset) error {
	origin, err := json.Marshal(ds.Origin)
	if err != nil {
		return fmt.Errorf("encode origin: %w", err)
	}
	err = p.pool.QueryRow(ctx, `
		INSERT INTO embedded_datasets (name, collection_name, dimensions, origin)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		ds.Name, ds.CollectionName, ds.Dimensions, origin).Scan(&ds.ID, &ds.CreatedAt)
	if err != nil {
		return fmt.Errorf("create embedded dataset %q: %w", ds.Name, err)
	}
	return nil
}

func (p *Postgres) GetEmbeddedDataset(ctx context.Context, id int64) (models.EmbeddedDataset, error) {
	var ds models.EmbeddedDataset
	var origin []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, collection_name, dimensions, origin, created_at
		FROM embedded_datasets WHERE id = $1`, id).Scan(
		&ds.ID, &ds.Name, &ds.CollectionName, &ds.Dimensions, &origin, &ds.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ds, fmt.Errorf("%w: embedded dataset %d", ErrNotFound, id)
	}
	if err != nil {
		return ds, fmt.Errorf("get embedded dataset %d: %w", id, err)
	}
	if err := json.Unmarshal(origin, &ds.Origin); err != nil {
		return ds, fmt.Errorf("decode embedded dataset %d origin: %w", id, err)
	}
	return ds, nil
}

func (p *Postgres) FindEmbeddedDataset(ctx context.Context, transformID, embedderID int64) (models.EmbeddedDataset, bool, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		SELECT id FROM embedded_datasets
		WHERE origin->>'kind' = 'derived'
		  AND (origin->>'transform_id')::BIGINT = $1
		  AND (origin->>'embedder_id')::BIGINT = $2`, transformID, embedderID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmbeddedDataset{}, false, nil
	}
	if err != nil {
		return models.EmbeddedDataset{}, false, fmt.Errorf("find embedded dataset: %w", err)
	}
	ds, err := p.GetEmbeddedDataset(ctx, id)
	return ds, err == nil, err
}

func (p *Postgres) ListEmbeddedDatasets(ctx context.Context, transformID int64) ([]models.EmbeddedDataset, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM embedded_datasets
		WHERE origin->>'kind' = 'derived' AND (origin->>'transform_id')::BIGINT = $1
		ORDER BY id`, transformID)
	if err != nil {
		return nil, fmt.Errorf("list embedded datasets: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.EmbeddedDataset, 0, len(ids))
	for _, id := range ids {
		ds, err := p.GetEmbeddedDataset(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

func (p *Postgres) UpsertOutcome(ctx context.Context, o models.Outcome) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO unit_outcomes
			(kind, transform_id, embedded_dataset_id, generation, unit_key,
			 status, item_count, error, duration_ms, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (kind, transform_id, generation, unit_key) DO UPDATE SET
			embedded_dataset_id = EXCLUDED.embedded_dataset_id,
			status = EXCLUDED.status,
			item_count = EXCLUDED.item_count,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms,
			processed_at = EXCLUDED.processed_at`,
		o.Kind, o.TransformID, o.EmbeddedDatasetID, o.Generation, o.UnitKey,
		o.Status, o.ItemCount, o.Error, o.DurationMS, o.ProcessedAt)
	if err != nil {
		return fmt.Errorf("upsert outcome %s/%d/%s: %w", o.Kind, o.TransformID, o.UnitKey, err)
	}
	return nil
}

func (p *Postgres) GetOutcome(ctx context.Context, kind models.TransformKind, transformID int64, generation int, unitKey string) (models.Outcome, bool, error) {
	var o models.Outcome
	err := p.pool.QueryRow(ctx, `
		SELECT kind, transform_id, embedded_dataset_id, generation, unit_key,
		       status, item_count, error, duration_ms, processed_at
		FROM unit_outcomes
		WHERE kind = $1 AND transform_id = $2 AND generation = $3 AND unit_key = $4`,
		kind, transformID, generation, unitKey).Scan(
		&o.Kind, &o.TransformID, &o.EmbeddedDatasetID, &o.Generation, &o.UnitKey,
		&o.Status, &o.ItemCount, &o.Error, &o.DurationMS, &o.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, false, nil
	}
	if err != nil {
		return o, false, fmt.Errorf("get outcome: %w", err)
	}
	return o, true, nil
}

func (p *Postgres) ListOutcomes(ctx context.Context, kind models.TransformKind, transformID int64, generation int) ([]models.Outcome, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT kind, transform_id, embedded_dataset_id, generation, unit_key,
		       status, item_count, error, duration_ms, processed_at
		FROM unit_outcomes
		WHERE kind = $1 AND transform_id = $2 AND generation = $3
		ORDER BY unit_key`, kind, transformID, generation)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		var o models.Outcome
		if err := rows.Scan(&o.Kind, &o.TransformID, &o.EmbeddedDatasetID, &o.Generation,
			&o.UnitKey, &o.Status, &o.ItemCount, &o.Error, &o.DurationMS, &o.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateVisualization(ctx context.Context, v *models.Visualization) error {
	if v.Status == "" {
		v.Status = models.VizPending
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO visualizations
			(transform_id, status, point_count, cluster_count, html_artifact_key,
			 stats_json, started_at, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		v.TransformID, v.Status, v.PointCount, v.ClusterCount, v.HTMLArtifactKey,
		v.StatsJSON, v.StartedAt, v.CompletedAt, v.ErrorMessage).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("create visualization: %w", err)
	}
	return nil
}

func (p *Postgres) GetVisualization(ctx context.Context, id int64) (models.Visualization, error) {
	var v models.Visualization
	err := p.pool.QueryRow(ctx, `
		SELECT id, transform_id, status, point_count, cluster_count, html_artifact_key,
		       stats_json, started_at, completed_at, error_message
		FROM visualizations WHERE id = $1`, id).Scan(
		&v.ID, &v.TransformID, &v.Status, &v.PointCount, &v.ClusterCount,
		&v.HTMLArtifactKey, &v.StatsJSON, &v.StartedAt, &v.CompletedAt, &v.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, fmt.Errorf("%w: visualization %d", ErrNotFound, id)
	}
	if err != nil {
		return v, fmt.Errorf("get visualization %d: %w", id, err)
	}
	return v, nil
}

func (p *Postgres) UpdateVisualization(ctx context.Context, v models.Visualization) error {
	cur, err := p.GetVisualization(ctx, v.ID)
	if err != nil {
		return err
	}
	if cur.Status != v.Status && !cur.CanTransition(v.Status) {
		return fmt.Errorf("store: visualization %d cannot move %s -> %s", v.ID, cur.Status, v.Status)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE visualizations SET
			status = $2, point_count = $3, cluster_count = $4, html_artifact_key = $5,
			stats_json = $6, started_at = $7, completed_at = $8, error_message = $9
		WHERE id = $1`,
		v.ID, v.Status, v.PointCount, v.ClusterCount, v.HTMLArtifactKey,
		v.StatsJSON, v.StartedAt, v.CompletedAt, v.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update visualization %d: %w", v.ID, err)
	}
	return nil
}
