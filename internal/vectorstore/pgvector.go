package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgvectorStore stores chunks in PostgreSQL with the pgvector extension.
// The database is user-provided; the table and indexes are created on open.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore connects to connURL and migrates the chunk table.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("pgvector: dimensions must be positive, got %d", dimensions)
	}
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS cg_chunks (
			id         TEXT NOT NULL,
			collection TEXT NOT NULL,
			namespace  TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		);

		CREATE INDEX IF NOT EXISTS idx_cg_chunks_ns ON cg_chunks (collection, namespace);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

// Upsert writes docs in one batch.
func (s *PgvectorStore) Upsert(ctx context.Context, collection string, docs []models.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}

	const upsert = `INSERT INTO cg_chunks (id, collection, namespace, content, metadata, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::vector, $7)
		ON CONFLICT (collection, id) DO UPDATE SET
			namespace = EXCLUDED.namespace,
			content   = EXCLUDED.content,
			metadata  = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, d := range docs {
		if len(d.Vector) != s.dimensions {
			return fmt.Errorf("pgvector: doc %q has %d dimensions, store expects %d", d.ID, len(d.Vector), s.dimensions)
		}
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := d.CreatedAt
		if created.IsZero() {
			created = now
		}
		metadata := d.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		batch.Queue(upsert, id, collection, d.Namespace, d.Content, metadata, vectorLiteral(d.Vector), created)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgvector upsert: %w", err)
	}
	return nil
}

// Search orders by cosine distance. filter keys other than "namespace" are
// matched against metadata.
func (s *PgvectorStore) Search(ctx context.Context, collection string, vector []float64, topK int, filter map[string]string) ([]models.SearchResult, error) {
	query, args := searchQuery(collection, vector, topK, filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			doc   models.VectorDoc
			score float64
		)
		if err := rows.Scan(&doc.ID, &doc.Collection, &doc.Namespace, &doc.Content, &doc.Metadata, &doc.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		results = append(results, models.SearchResult{Doc: doc, Score: score})
	}
	return results, rows.Err()
}

func searchQuery(collection string, vector []float64, topK int, filter map[string]string) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, collection, namespace, content, metadata, created_at,
		1 - (embedding <=> $1::vector) AS score
		FROM cg_chunks
		WHERE collection = $2`)
	args := []any{vectorLiteral(vector), collection}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := filter[k]
		if k == "namespace" {
			if v == "" {
				continue
			}
			args = append(args, v)
			fmt.Fprintf(&sb, " AND namespace = $%d", len(args))
			continue
		}
		args = append(args, k, v)
		fmt.Fprintf(&sb, " AND metadata->>$%d = $%d", len(args)-1, len(args))
	}

	sb.WriteString(" ORDER BY embedding <=> $1::vector, id")
	if topK > 0 {
		args = append(args, topK)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

func (s *PgvectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM cg_chunks WHERE collection = $1 AND id = ANY($2)", collection, ids)
	return err
}

func (s *PgvectorStore) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM cg_chunks WHERE collection = $1", collection).Scan(&count)
	return count, err
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// vectorLiteral renders v in pgvector's text format: [1,2.5,3].
func vectorLiteral(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}
