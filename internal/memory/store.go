// Package memory persists solved problems in SQLite.
//
// The store is append-only apart from Clear. Rows reach is_correct=1 only
// through a human decision; retrieval only ever returns such rows.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
)

var tracer = otel.Tracer("mathmentor.memory")

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("memory store closed")

	// ErrNotFound indicates no record with the requested ID.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidConfig indicates an unusable store configuration.
	ErrInvalidConfig = errors.New("invalid memory configuration")
)

// Similarity modes.
const (
	SimilarityRecency  = "recency"
	SimilaritySemantic = "semantic"
)

// timestampLayout is fixed width so that text ordering matches time ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `CREATE TABLE IF NOT EXISTS solutions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT,
	input_type TEXT,
	raw_input TEXT,
	parsed_problem TEXT,
	solution TEXT,
	verification TEXT,
	user_feedback TEXT,
	is_correct BOOLEAN
)`

const selectColumns = `SELECT id, timestamp, input_type, raw_input, parsed_problem, solution, verification, user_feedback, is_correct FROM solutions`

// Record is one stored attempt.
type Record struct {
	ID           int64                `json:"id"`
	Timestamp    time.Time            `json:"timestamp"`
	InputType    problem.InputType    `json:"input_type"`
	RawInput     string               `json:"raw_input"`
	Problem      problem.Structured   `json:"parsed_problem"`
	Solution     problem.Solution     `json:"solution"`
	Verification problem.Verification `json:"verification"`
	UserFeedback string               `json:"user_feedback"`
	IsCorrect    bool                 `json:"is_correct"`
}

// Stats summarizes the store contents.
type Stats struct {
	Total   int `json:"total"`
	Correct int `json:"correct"`
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite file. Its parent directory is created if missing.
	Path string
	// Similarity is SimilarityRecency (default) or SimilaritySemantic.
	Similarity string
	// Embedder is required for SimilaritySemantic.
	Embedder embeddings.Provider
	Logger   *logging.Logger
}

// Store is safe for concurrent use. Writers are serialized; readers run
// concurrently under WAL.
type Store struct {
	db         *sql.DB
	similarity string
	embedder   embeddings.Provider
	index      *vectorstore.Index
	logger     *logging.Logger

	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	switch cfg.Similarity {
	case "":
		cfg.Similarity = SimilarityRecency
	case SimilarityRecency:
	case SimilaritySemantic:
		if cfg.Embedder == nil {
			return nil, fmt.Errorf("%w: semantic similarity requires an embedder", ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown similarity %q", ErrInvalidConfig, cfg.Similarity)
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating memory directory: %w", err)
		}
	}

	dsn := "file:" + cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating solutions table: %w", err)
	}

	s := &Store{
		db:         db,
		similarity: cfg.Similarity,
		embedder:   cfg.Embedder,
		logger:     logging.OrNop(cfg.Logger),
	}
	if s.similarity == SimilaritySemantic {
		s.index = vectorstore.NewIndex(cfg.Logger)
		if err := s.loadIndex(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s.logger.Info(ctx, "solution memory opened",
		zap.String("path", cfg.Path),
		zap.String("similarity", s.similarity),
	)
	return s, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Store appends rec and returns its assigned ID. A zero Timestamp is set
// to the current time.
func (s *Store) Store(ctx context.Context, rec Record) (_ int64, err error) {
	ctx, span := tracer.Start(ctx, "Store.Store")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	parsed, err := json.Marshal(rec.Problem)
	if err != nil {
		return 0, fmt.Errorf("encoding problem: %w", err)
	}
	solution, err := json.Marshal(rec.Solution)
	if err != nil {
		return 0, fmt.Errorf("encoding solution: %w", err)
	}
	verification, err := json.Marshal(rec.Verification)
	if err != nil {
		return 0, fmt.Errorf("encoding verification: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO solutions (timestamp, input_type, raw_input, parsed_problem, solution, verification, user_feedback, is_correct)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(timestampLayout),
		string(rec.InputType),
		rec.RawInput,
		string(parsed),
		string(solution),
		string(verification),
		rec.UserFeedback,
		rec.IsCorrect,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading record id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing record: %w", err)
	}
	span.SetAttributes(attribute.Int64("record_id", id), attribute.Bool("is_correct", rec.IsCorrect))

	if rec.IsCorrect && s.index != nil {
		rec.ID = id
		if err := s.indexRecords(ctx, []Record{rec}); err != nil {
			s.logger.Warn(ctx, "indexing stored record failed", zap.Int64("record_id", id), zap.Error(err))
		}
	}

	s.logger.Debug(ctx, "record stored", zap.Int64("record_id", id), zap.Bool("is_correct", rec.IsCorrect))
	return id, nil
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE id = ?`, id)
	if err != nil {
		return Record{}, fmt.Errorf("querying record: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return recs[0], nil
}

// RetrieveSimilar returns up to limit records marked correct. In recency
// mode the newest come first; in semantic mode records are ranked by
// similarity of their problem text to problemText, falling back to
// recency when nothing is indexed.
func (s *Store) RetrieveSimilar(ctx context.Context, problemText string, limit int) (_ []Record, err error) {
	ctx, span := tracer.Start(ctx, "Store.RetrieveSimilar")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Record{}, nil
	}

	if s.index != nil && s.index.Ready() {
		recs, err := s.semantic(ctx, problemText, limit)
		if err == nil && len(recs) > 0 {
			span.SetAttributes(attribute.String("mode", SimilaritySemantic), attribute.Int("results", len(recs)))
			return recs, nil
		}
		if err != nil {
			s.logger.Warn(ctx, "semantic memory lookup failed, using recency", zap.Error(err))
		}
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE is_correct = 1 ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying similar records: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("mode", SimilarityRecency), attribute.Int("results", len(recs)))
	return recs, nil
}

func (s *Store) semantic(ctx context.Context, text string, limit int) ([]Record, error) {
	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	hits, err := s.index.Search(ctx, vec, limit)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(hits))
	for _, h := range hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// List returns up to limit of the most recent records regardless of
// correctness.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return scanRecords(rows)
}

// Clear deletes every record. IDs keep increasing across clears, so an
// ID is never reused for a different record.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM solutions`); err != nil {
		return fmt.Errorf("clearing records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing clear: %w", err)
	}
	if s.index != nil {
		s.index.Reset()
	}
	s.logger.Info(ctx, "solution memory cleared")
	return nil
}

// Stats returns record counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}
	var st Stats
	var correct sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(CASE WHEN is_correct = 1 THEN 1 ELSE 0 END) FROM solutions`,
	).Scan(&st.Total, &correct)
	if err != nil {
		return Stats{}, fmt.Errorf("counting records: %w", err)
	}
	st.Correct = int(correct.Int64)
	return st, nil
}

// Close closes the database. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) loadIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE is_correct = 1 ORDER BY id`)
	if err != nil {
		return fmt.Errorf("loading correct records: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	if err := s.indexRecords(ctx, recs); err != nil {
		s.logger.Warn(ctx, "indexing stored records failed", zap.Error(err))
	}
	return nil
}

func (s *Store) indexRecords(ctx context.Context, recs []Record) error {
	texts := make([]string, len(recs))
	for i, r := range recs {
		texts[i] = r.Problem.ProblemText
		if texts[i] == "" {
			texts[i] = r.RawInput
		}
	}
	vecs, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding records: %w", err)
	}
	chunks := make([]vectorstore.Chunk, 0, len(recs))
	for i, r := range recs {
		chunks = append(chunks, vectorstore.Chunk{
			ID:      strconv.FormatInt(r.ID, 10),
			Content: texts[i],
			Source:  "memory",
			Vector:  vecs[i],
		})
	}
	return s.index.Append(ctx, chunks)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	recs := []Record{}
	for rows.Next() {
		var (
			rec                            Record
			ts, inputType                  string
			parsed, solution, verification string
			feedback                       sql.NullString
		)
		if err := rows.Scan(&rec.ID, &ts, &inputType, &rec.RawInput, &parsed, &solution, &verification, &feedback, &rec.IsCorrect); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		t, err := time.Parse(timestampLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("record %d: parsing timestamp: %w", rec.ID, err)
		}
		rec.Timestamp = t
		rec.InputType = problem.InputType(inputType)
		rec.UserFeedback = feedback.String
		if err := json.Unmarshal([]byte(parsed), &rec.Problem); err != nil {
			return nil, fmt.Errorf("record %d: decoding problem: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(solution), &rec.Solution); err != nil {
			return nil, fmt.Errorf("record %d: decoding solution: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(verification), &rec.Verification); err != nil {
			return nil, fmt.Errorf("record %d: decoding verification: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return recs, nil
}
