package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// PostgresOptions selects the optional search backends.
type PostgresOptions struct {
	// LexicalEnabled creates the pg_trgm extension and index; SearchLexical
	// returns no hits when disabled.
	LexicalEnabled bool
	// VectorEnabled creates the pgvector extension and the chunk vector
	// column; SearchSemantic returns no hits when disabled.
	VectorEnabled bool
	// Dimensions is the embedding width (required when VectorEnabled).
	Dimensions int
}

// PostgresStore implements Store on PostgreSQL with pg_trgm for lexical
// similarity and pgvector for chunk embeddings.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts PostgresOptions
}

// NewPostgresStore connects, pings, and migrates the schema.
func NewPostgresStore(ctx context.Context, connURL string, opts PostgresOptions) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool, opts: opts}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().
		Bool("pg_trgm", opts.LexicalEnabled).
		Bool("pgvector", opts.VectorEnabled).
		Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS entities (
			uid                   TEXT PRIMARY KEY,
			type                  TEXT NOT NULL,
			id                    TEXT NOT NULL,
			version               TEXT NOT NULL,
			name                  TEXT NOT NULL DEFAULT '',
			summary               TEXT NOT NULL DEFAULT '',
			description           TEXT NOT NULL DEFAULT '',
			homepage              TEXT NOT NULL DEFAULT '',
			publisher             TEXT NOT NULL DEFAULT '',
			license               TEXT NOT NULL DEFAULT '',
			capabilities          TEXT[] NOT NULL DEFAULT '{}',
			frameworks            TEXT[] NOT NULL DEFAULT '{}',
			providers             TEXT[] NOT NULL DEFAULT '{}',
			manifest              JSONB NOT NULL,
			quality_score         DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			gateway_registered_at TIMESTAMPTZ,
			gateway_error         TEXT NOT NULL DEFAULT '',
			source_url            TEXT NOT NULL DEFAULT '',
			source_hash           TEXT NOT NULL DEFAULT '',
			pending               BOOLEAN NOT NULL DEFAULT FALSE,
			search_text           TEXT NOT NULL DEFAULT '',
			UNIQUE (type, id, version)
		);

		CREATE TABLE IF NOT EXISTS remotes (
			url             TEXT PRIMARY KEY,
			last_fetched_at TIMESTAMPTZ,
			last_etag       TEXT NOT NULL DEFAULT '',
			last_status     TEXT NOT NULL DEFAULT '',
			last_error      TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS watermark (
			id    SMALLINT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		);
		INSERT INTO watermark (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return err
	}

	if s.opts.LexicalEnabled {
		trgm := `
			CREATE EXTENSION IF NOT EXISTS pg_trgm;
			CREATE INDEX IF NOT EXISTS idx_entities_trgm ON entities USING GIN (search_text gin_trgm_ops);
		`
		if _, err := s.pool.Exec(ctx, trgm); err != nil {
			return fmt.Errorf("pg_trgm setup: %w", err)
		}
	}

	if s.opts.VectorEnabled {
		if s.opts.Dimensions <= 0 {
			return fmt.Errorf("pgvector requires a positive embedding dimension")
		}
		vec := fmt.Sprintf(`
			CREATE EXTENSION IF NOT EXISTS vector;
			CREATE TABLE IF NOT EXISTS embedding_chunks (
				entity_uid TEXT NOT NULL REFERENCES entities(uid) ON DELETE CASCADE,
				ordinal    INT NOT NULL,
				text       TEXT NOT NULL DEFAULT '',
				source     TEXT NOT NULL DEFAULT '',
				vector     vector(%d) NOT NULL,
				PRIMARY KEY (entity_uid, ordinal)
			);
			CREATE INDEX IF NOT EXISTS idx_chunks_entity ON embedding_chunks (entity_uid);
		`, s.opts.Dimensions)
		if _, err := s.pool.Exec(ctx, vec); err != nil {
			return fmt.Errorf("pgvector setup: %w", err)
		}
	}
	return nil
}

// bump advances the watermark inside the given transaction.
func bump(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, "UPDATE watermark SET value = value + 1 WHERE id = 1")
	return err
}

// ── Entities ────────────────────────────────────────────────

func (s *PostgresStore) UpsertEntity(ctx context.Context, m *models.Manifest, payload json.RawMessage, sourceURL string, derived bool) (UpsertOutcome, error) {
	uid := m.UID()
	hash := PayloadHash(payload)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingHash string
	var existingPending bool
	err = tx.QueryRow(ctx,
		"SELECT source_hash, pending FROM entities WHERE uid = $1 FOR UPDATE", uid).
		Scan(&existingHash, &existingPending)

	switch {
	case err == pgx.ErrNoRows:
		e := entityFromManifest(m, payload, sourceURL, derived, time.Now().UTC())
		_, err = tx.Exec(ctx, `
			INSERT INTO entities (uid, type, id, version, name, summary, description,
				homepage, publisher, license, capabilities, frameworks, providers,
				manifest, quality_score, created_at, updated_at, source_url,
				source_hash, pending, search_text)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			e.UID, e.Type, e.ID, e.Version, e.Name, e.Summary, e.Description,
			e.Homepage, e.Publisher, e.License, e.Capabilities, e.Frameworks, e.Providers,
			[]byte(e.Manifest), e.QualityScore, e.CreatedAt, e.UpdatedAt, e.SourceURL,
			e.SourceHash, e.Pending, searchText(e))
		if err != nil {
			return UpsertOutcome{}, &ErrIntegrity{Op: "insert entity", Err: err}
		}
		if err := bump(ctx, tx); err != nil {
			return UpsertOutcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return UpsertOutcome{}, err
		}
		return UpsertOutcome{UID: uid, Created: true, Changed: true}, nil

	case err != nil:
		return UpsertOutcome{}, fmt.Errorf("lookup entity: %w", err)
	}

	if derived && !existingPending {
		return UpsertOutcome{UID: uid}, &ErrConflict{UID: uid, Reason: "derived entity would overwrite an explicitly ingested one"}
	}

	if existingHash == hash {
		// Identical content: refresh provenance only, updated_at stays put.
		if _, err := tx.Exec(ctx, "UPDATE entities SET source_url = $2 WHERE uid = $1", uid, sourceURL); err != nil {
			return UpsertOutcome{}, fmt.Errorf("refresh provenance: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return UpsertOutcome{}, err
		}
		return UpsertOutcome{UID: uid}, nil
	}

	e := entityFromManifest(m, payload, sourceURL, derived && existingPending, time.Now().UTC())
	pending := e.Pending && existingPending
	_, err = tx.Exec(ctx, `
		UPDATE entities SET
			name = $2, summary = $3, description = $4, homepage = $5,
			publisher = $6, license = $7, capabilities = $8, frameworks = $9,
			providers = $10, manifest = $11, quality_score = $12, updated_at = $13,
			source_url = $14, source_hash = $15, pending = $16, search_text = $17
		WHERE uid = $1`,
		uid, e.Name, e.Summary, e.Description, e.Homepage,
		e.Publisher, e.License, e.Capabilities, e.Frameworks,
		e.Providers, []byte(e.Manifest), e.QualityScore, e.UpdatedAt,
		e.SourceURL, e.SourceHash, pending, searchText(e))
	if err != nil {
		return UpsertOutcome{}, &ErrIntegrity{Op: "update entity", Err: err}
	}
	if err := bump(ctx, tx); err != nil {
		return UpsertOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return UpsertOutcome{}, err
	}
	return UpsertOutcome{UID: uid, Changed: true}, nil
}

const entityColumns = `uid, type, id, version, name, summary, description, homepage,
	publisher, license, capabilities, frameworks, providers, manifest, quality_score,
	created_at, updated_at, gateway_registered_at, gateway_error, source_url,
	source_hash, pending`

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	var manifest []byte
	var gwErr string
	err := row.Scan(&e.UID, &e.Type, &e.ID, &e.Version, &e.Name, &e.Summary,
		&e.Description, &e.Homepage, &e.Publisher, &e.License, &e.Capabilities,
		&e.Frameworks, &e.Providers, &manifest, &e.QualityScore, &e.CreatedAt,
		&e.UpdatedAt, &e.GatewayRegisteredAt, &gwErr, &e.SourceURL,
		&e.SourceHash, &e.Pending)
	if err != nil {
		return nil, err
	}
	e.Manifest = manifest
	e.GatewayError = gwErr
	return &e, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, uid string) (*models.Entity, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+entityColumns+" FROM entities WHERE uid = $1", uid)
	e, err := scanEntity(row)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "entity", Key: uid}
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListByType(ctx context.Context, t models.EntityType, limit, offset int) ([]models.Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE type = $1 ORDER BY created_at DESC, uid LIMIT $2 OFFSET $3",
		t, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkGatewayRegistered(ctx context.Context, uid string, ok bool, gwErr string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if ok {
		_, err = tx.Exec(ctx,
			"UPDATE entities SET gateway_registered_at = NOW(), gateway_error = '', pending = FALSE WHERE uid = $1", uid)
	} else {
		_, err = tx.Exec(ctx,
			"UPDATE entities SET gateway_error = $2 WHERE uid = $1", uid, gwErr)
	}
	if err != nil {
		return fmt.Errorf("mark gateway registration: %w", err)
	}
	if err := bump(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ── Search ──────────────────────────────────────────────────

// filterClauses renders the common predicates starting at $argIdx.
func filterClauses(f Filters, alias string, argIdx int) (string, []any) {
	var sb strings.Builder
	var args []any
	add := func(clause string, arg any) {
		sb.WriteString(fmt.Sprintf(" AND "+clause, argIdx))
		args = append(args, arg)
		argIdx++
	}

	if !f.IncludePending {
		sb.WriteString(" AND " + alias + ".pending = FALSE")
	}
	if f.Type != "" {
		add(alias+".type = $%d", f.Type)
	}
	if len(f.Capabilities) > 0 {
		add(alias+".capabilities @> $%d", f.Capabilities)
	}
	if len(f.Frameworks) > 0 {
		add(alias+".frameworks @> $%d", f.Frameworks)
	}
	if len(f.Providers) > 0 {
		add(alias+".providers @> $%d", f.Providers)
	}
	return sb.String(), args
}

func (s *PostgresStore) SearchLexical(ctx context.Context, query string, f Filters, k int) ([]Hit, error) {
	if !s.opts.LexicalEnabled || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 20
	}

	clauses, args := filterClauses(f, "e", 2)
	sql := fmt.Sprintf(`
		SELECT e.uid, similarity(e.search_text, $1) AS score
		FROM entities e
		WHERE similarity(e.search_text, $1) > 0 %s
		ORDER BY score DESC, e.uid
		LIMIT %d`, clauses, k)

	rows, err := s.pool.Query(ctx, sql, append([]any{query}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func (s *PostgresStore) SearchSemantic(ctx context.Context, vector []float64, f Filters, k int) ([]Hit, error) {
	if !s.opts.VectorEnabled || len(vector) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 20
	}

	clauses, args := filterClauses(f, "e", 2)
	sql := fmt.Sprintf(`
		SELECT e.uid, MAX(1 - (c.vector <=> $1)) AS score
		FROM embedding_chunks c
		JOIN entities e ON e.uid = c.entity_uid
		WHERE TRUE %s
		GROUP BY e.uid
		ORDER BY score DESC, e.uid
		LIMIT %d`, clauses, k)

	rows, err := s.pool.Query(ctx, sql, append([]any{pgvectorArray(vector)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func scanHits(rows pgx.Rows) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.UID, &h.Score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		if h.Score < 0 {
			h.Score = 0
		}
		if h.Score > 1 {
			h.Score = 1
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ── Chunks ──────────────────────────────────────────────────

func (s *PostgresStore) UpsertChunks(ctx context.Context, uid string, chunks []models.EmbeddingChunk) error {
	if !s.opts.VectorEnabled {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM embedding_chunks WHERE entity_uid = $1", uid); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	for _, c := range chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO embedding_chunks (entity_uid, ordinal, text, source, vector)
			VALUES ($1, $2, $3, $4, $5)`,
			uid, c.Ordinal, c.Text, c.Source, pgvectorArray(c.Vector))
		if err != nil {
			return &ErrIntegrity{Op: "insert chunk", Err: err}
		}
	}
	if err := bump(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, uid string) error {
	if !s.opts.VectorEnabled {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, "DELETE FROM embedding_chunks WHERE entity_uid = $1", uid); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := bump(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SearchChunks(ctx context.Context, uid string, vector []float64, k int) ([]ScoredChunk, error) {
	if !s.opts.VectorEnabled || len(vector) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 3
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ordinal, text, source, 1 - (vector <=> $2) AS score
		FROM embedding_chunks
		WHERE entity_uid = $1
		ORDER BY vector <=> $2
		LIMIT $3`, uid, pgvectorArray(vector), k)
	if err != nil {
		return nil, fmt.Errorf("chunk search: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		sc.Chunk.EntityUID = uid
		if err := rows.Scan(&sc.Chunk.Ordinal, &sc.Chunk.Text, &sc.Chunk.Source, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ── Remotes ─────────────────────────────────────────────────

func (s *PostgresStore) UpsertRemote(ctx context.Context, url string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, "INSERT INTO remotes (url) VALUES ($1) ON CONFLICT (url) DO NOTHING", url); err != nil {
		return fmt.Errorf("upsert remote: %w", err)
	}
	if err := bump(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteRemote(ctx context.Context, url string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, "DELETE FROM remotes WHERE url = $1", url)
	if err != nil {
		return fmt.Errorf("delete remote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "remote", Key: url}
	}
	if err := bump(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetRemote(ctx context.Context, url string) (*models.Remote, error) {
	var r models.Remote
	err := s.pool.QueryRow(ctx,
		"SELECT url, last_fetched_at, last_etag, last_status, last_error FROM remotes WHERE url = $1", url).
		Scan(&r.URL, &r.LastFetchedAt, &r.LastETag, &r.LastStatus, &r.LastError)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "remote", Key: url}
	}
	if err != nil {
		return nil, fmt.Errorf("get remote: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRemotes(ctx context.Context) ([]models.Remote, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT url, last_fetched_at, last_etag, last_status, last_error FROM remotes ORDER BY url")
	if err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	defer rows.Close()

	var out []models.Remote
	for rows.Next() {
		var r models.Remote
		if err := rows.Scan(&r.URL, &r.LastFetchedAt, &r.LastETag, &r.LastStatus, &r.LastError); err != nil {
			return nil, fmt.Errorf("scan remote: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordRemotePoll(ctx context.Context, url, status, etag, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	// update-only: a one-shot ingest of an unregistered URL must not
	// promote it into the polled set
	tag, err := tx.Exec(ctx, `
		UPDATE remotes SET
			last_fetched_at = NOW(),
			last_etag = CASE WHEN $2 <> '' THEN $2 ELSE last_etag END,
			last_status = $3,
			last_error = $4
		WHERE url = $1`,
		url, etag, status, errMsg)
	if err != nil {
		return fmt.Errorf("record remote poll: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "remote", Key: url}
	}
	if err := bump(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *PostgresStore) Watermark(ctx context.Context) (uint64, error) {
	var v uint64
	if err := s.pool.QueryRow(ctx, "SELECT value FROM watermark WHERE id = 1").Scan(&v); err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
