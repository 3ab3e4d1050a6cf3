// Package store provides the catalog storage interface and implementations.
// The in-memory store backs tests and zero-config development; PostgreSQL
// (pg_trgm + optional pgvector) backs production.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// Store is the single owner of catalog persistence. Ingestion and install
// write through it; search only reads.
type Store interface {
	// UpsertEntity inserts or updates the entity described by the manifest.
	// Writes are idempotent for identical content: Changed is false and
	// updated_at does not advance when the canonical payload is unchanged.
	// A derived upsert never overwrites a non-pending entity (ErrConflict).
	UpsertEntity(ctx context.Context, m *models.Manifest, payload json.RawMessage, sourceURL string, derived bool) (UpsertOutcome, error)

	// GetEntity returns the entity by canonical UID.
	GetEntity(ctx context.Context, uid string) (*models.Entity, error)

	// ListByType pages entities of one type ordered by created_at desc.
	ListByType(ctx context.Context, t models.EntityType, limit, offset int) ([]models.Entity, error)

	// SearchLexical scores entities against a free-text query using the
	// backend's similarity facility. Scores are within [0,1].
	SearchLexical(ctx context.Context, query string, f Filters, k int) ([]Hit, error)

	// SearchSemantic scores entities by cosine similarity between the query
	// vector and stored chunk embeddings, max-pooled per entity.
	SearchSemantic(ctx context.Context, vector []float64, f Filters, k int) ([]Hit, error)

	// MarkGatewayRegistered records a gateway registration outcome. A
	// successful registration clears the pending flag.
	MarkGatewayRegistered(ctx context.Context, uid string, ok bool, gwErr string) error

	// UpsertChunks replaces the embedding chunks owned by an entity.
	UpsertChunks(ctx context.Context, uid string, chunks []models.EmbeddingChunk) error

	// DeleteChunks removes all chunks owned by an entity.
	DeleteChunks(ctx context.Context, uid string) error

	// SearchChunks returns the entity's chunks best matching the vector.
	SearchChunks(ctx context.Context, uid string, vector []float64, k int) ([]ScoredChunk, error)

	// UpsertRemote registers an index URL; existing remotes are untouched.
	UpsertRemote(ctx context.Context, url string) error

	// DeleteRemote removes a registered remote.
	DeleteRemote(ctx context.Context, url string) error

	// GetRemote returns one remote by URL.
	GetRemote(ctx context.Context, url string) (*models.Remote, error)

	// ListRemotes returns all registered remotes.
	ListRemotes(ctx context.Context) ([]models.Remote, error)

	// RecordRemotePoll stores the outcome of one poll on an already
	// registered remote. Unknown URLs return ErrNotFound; polling never
	// registers a remote.
	RecordRemotePoll(ctx context.Context, url, status, etag, errMsg string) error

	// Watermark returns a counter that advances on every successful write.
	// Search ETags embed it so any write invalidates cached responses.
	Watermark(ctx context.Context) (uint64, error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// UpsertOutcome describes what an entity upsert did.
type UpsertOutcome struct {
	UID     string
	Created bool
	Changed bool // true when the stored payload materially changed (Created implies Changed)
}

// Filters narrows search candidates. Set-valued filters are superset matches
// (the entity must carry every listed value).
type Filters struct {
	Type           string
	Capabilities   []string
	Frameworks     []string
	Providers      []string
	IncludePending bool
}

// Hit is one scored search candidate.
type Hit struct {
	UID   string
	Score float64
}

// ScoredChunk pairs an embedding chunk with its query similarity.
type ScoredChunk struct {
	Chunk models.EmbeddingChunk
	Score float64
}

// PayloadHash is the content hash used for material-change detection.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested record does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when an upsert collides with divergent content it
// must not overwrite (e.g. a derived tool over an explicitly ingested one).
type ErrConflict struct {
	UID    string
	Reason string
}

func (e *ErrConflict) Error() string {
	return "conflict on " + e.UID + ": " + e.Reason
}

// ErrIntegrity is returned when a storage constraint is violated unexpectedly.
type ErrIntegrity struct {
	Op  string
	Err error
}

func (e *ErrIntegrity) Error() string {
	return "integrity violation in " + e.Op + ": " + e.Err.Error()
}

func (e *ErrIntegrity) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsConflict reports whether err is an ErrConflict.
func IsConflict(err error) bool {
	var c *ErrConflict
	return errors.As(err, &c)
}
