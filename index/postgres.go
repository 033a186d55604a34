package index

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/quarryhq/quarry/common"
	"github.com/quarryhq/quarry/config"
)

// identPattern constrains logical index names. Names are spliced into DDL
// as identifiers, so anything outside this alphabet is rejected outright.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Postgres implements Index with one table per logical index: a pgvector
// column carries the dense view, a tsvector column the lexical view.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pgx pool against the configured database and
// registers the pgvector types on every connection.
func NewPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing index dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening index pool: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureExtension(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) ensureExtension(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	if err != nil {
		return fmt.Errorf("ensuring pgvector extension: %w", err)
	}
	return nil
}

func validName(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid index name %q", name)
	}
	return nil
}

// EnsureIndex creates the backing table and its search indexes. Safe to
// call repeatedly; every statement is IF NOT EXISTS.
func (p *Postgres) EnsureIndex(ctx context.Context, name string, dim int) error {
	if err := validName(name); err != nil {
		return err
	}
	if dim < 1 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id text PRIMARY KEY,
			content text NOT NULL,
			tokens tsvector NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, name, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
			USING hnsw (embedding vector_cosine_ops)`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tokens_idx ON %s
			USING gin (tokens)`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_doc_idx ON %s
			((metadata->>'doc_id'))`, name, name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_kb_idx ON %s
			((metadata->>'knowledge_id'))`, name, name),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return common.Wrap(common.KindIndexWriteFailed,
				fmt.Sprintf("ensuring index %s", name), err)
		}
	}
	return nil
}

// BulkUpsert writes all entries in one transaction. Ids are assigned where
// missing and returned in input order; any failure rolls the batch back.
func (p *Postgres) BulkUpsert(ctx context.Context, name string, entries []Entry) ([]string, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, common.Wrap(common.KindIndexWriteFailed, "beginning bulk write", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`INSERT INTO %s (id, content, tokens, embedding, metadata)
		VALUES ($1, $2, to_tsvector('simple', $3), $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			tokens = EXCLUDED.tokens,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`, name)

	ids := make([]string, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		ids[i] = e.ID

		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshalling metadata: %w", err)
		}
		_, err = tx.Exec(ctx, stmt,
			e.ID, e.Text, lexeme(Analyze(e.Text)), pgvector.NewVector(e.Vector), meta)
		if err != nil {
			return nil, common.Wrap(common.KindIndexWriteFailed,
				fmt.Sprintf("writing entry %d to %s", i, name), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, common.Wrap(common.KindIndexWriteFailed, "committing bulk write", err)
	}
	return ids, nil
}

// filterClause renders the filter as SQL starting at placeholder $start.
func filterClause(f Filter, start int) (string, []interface{}) {
	var conds []string
	var args []interface{}
	n := start

	if f.DocID != "" {
		conds = append(conds, fmt.Sprintf("metadata->>'doc_id' = $%d", n))
		args = append(args, f.DocID)
		n++
	}
	if len(f.KnowledgeIDs) > 0 {
		conds = append(conds, fmt.Sprintf("metadata->>'knowledge_id' = ANY($%d)", n))
		args = append(args, f.KnowledgeIDs)
		n++
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// DeleteByFilter removes matching entries. An empty filter is rejected so a
// bug cannot silently truncate an index.
func (p *Postgres) DeleteByFilter(ctx context.Context, name string, f Filter) error {
	if err := validName(name); err != nil {
		return err
	}
	clause, args := filterClause(f, 1)
	if clause == "" {
		return fmt.Errorf("refusing unfiltered delete on %s", name)
	}

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE true%s`, name, clause)
	if _, err := p.pool.Exec(ctx, stmt, args...); err != nil {
		return common.Wrap(common.KindIndexWriteFailed,
			fmt.Sprintf("deleting from %s", name), err)
	}
	return nil
}

// DropIndex removes the backing table.
func (p *Postgres) DropIndex(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return common.Wrap(common.KindIndexWriteFailed,
			fmt.Sprintf("dropping %s", name), err)
	}
	return nil
}

// KNN returns the k nearest entries by cosine similarity. The <=> operator
// is cosine distance under vector_cosine_ops; similarity is 1 - distance.
func (p *Postgres) KNN(ctx context.Context, name string, vector []float32, k int, f Filter) ([]Hit, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	clause, args := filterClause(f, 2)

	stmt := fmt.Sprintf(`SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM %s WHERE true%s
		ORDER BY embedding <=> $1
		LIMIT %d`, name, clause, k)
	args = append([]interface{}{pgvector.NewVector(vector)}, args...)

	rows, err := p.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, common.Wrap(common.KindIndexReadFailed,
			fmt.Sprintf("knn query on %s", name), err)
	}
	defer rows.Close()

	return scanHits(rows)
}

// BM25 returns the k best lexical matches. The query text runs through the
// same analyzer as indexed content; terms are OR-ed so partial matches
// still rank, and ts_rank_cd orders by cover density.
func (p *Postgres) BM25(ctx context.Context, name string, query string, k int, f Filter) ([]Hit, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	tokens := Analyze(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	clause, args := filterClause(f, 2)

	stmt := fmt.Sprintf(`SELECT id, content, metadata,
			ts_rank_cd(tokens, to_tsquery('simple', $1))::float8 AS score
		FROM %s
		WHERE tokens @@ to_tsquery('simple', $1)%s
		ORDER BY score DESC
		LIMIT %d`, name, clause, k)
	args = append([]interface{}{tsQuery(tokens)}, args...)

	rows, err := p.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, common.Wrap(common.KindIndexReadFailed,
			fmt.Sprintf("bm25 query on %s", name), err)
	}
	defer rows.Close()

	return scanHits(rows)
}

// List returns matching entries in insertion order.
func (p *Postgres) List(ctx context.Context, name string, f Filter, limit int) ([]Entry, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	clause, args := filterClause(f, 1)

	stmt := fmt.Sprintf(`SELECT id, content, metadata FROM %s
		WHERE true%s
		ORDER BY created_at, id
		LIMIT %d`, name, clause, limit)

	rows, err := p.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, common.Wrap(common.KindIndexReadFailed,
			fmt.Sprintf("listing %s", name), err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Text, &meta); err != nil {
			return nil, common.Wrap(common.KindIndexReadFailed, "scanning entry", err)
		}
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanHits(rows pgx.Rows) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var h Hit
		var meta []byte
		if err := rows.Scan(&h.ID, &h.Text, &meta, &h.Score); err != nil {
			return nil, common.Wrap(common.KindIndexReadFailed, "scanning hit", err)
		}
		if err := json.Unmarshal(meta, &h.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
