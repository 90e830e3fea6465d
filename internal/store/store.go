package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/grader/internal/model"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when a unique column already holds the value.
var ErrDuplicate = errors.New("already exists")

// Store is the SQLite-backed persistence layer. Evaluations are insert-only.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		student_level TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		reference_answer TEXT NOT NULL,
		module_name TEXT NOT NULL,
		FOREIGN KEY (owner_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_questions_owner ON questions(owner_id);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id INTEGER NOT NULL,
		student_id INTEGER NOT NULL,
		answer_text TEXT NOT NULL,
		score REAL NOT NULL,
		feedback TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (question_id) REFERENCES questions(id),
		FOREIGN KEY (student_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_question ON evaluations(question_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_student ON evaluations(student_id);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertQuestion stores a question.
func (s *Store) InsertQuestion(ctx context.Context, q model.Question) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO questions (owner_id, text, reference_answer, module_name) VALUES (?, ?, ?, ?)`,
		q.OwnerID, q.Text, q.ReferenceAnswer, q.ModuleName,
	)
	if err != nil {
		return 0, &model.PersistenceError{Op: "insert question", Err: err}
	}
	return res.LastInsertId()
}

// InsertQuestions stores a batch of questions for one owner in a single transaction.
func (s *Store) InsertQuestions(ctx context.Context, ownerID int64, qs []model.QuestionImport) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &model.PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(qs))
	for _, qi := range qs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO questions (owner_id, text, reference_answer, module_name) VALUES (?, ?, ?, ?)`,
			ownerID, qi.Text, qi.ReferenceAnswer, qi.ModuleName,
		)
		if err != nil {
			return nil, &model.PersistenceError{Op: "insert question", Err: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, &model.PersistenceError{Op: "commit", Err: err}
	}
	return ids, nil
}

const questionColumns = `id, owner_id, text, reference_answer, module_name`

func scanQuestions(rows *sql.Rows) ([]model.Question, error) {
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.OwnerID, &q.Text, &q.ReferenceAnswer, &q.ModuleName); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ListQuestions returns all questions, optionally restricted to one module.
func (s *Store) ListQuestions(ctx context.Context, module string) ([]model.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions`
	var args []any
	if module != "" {
		query += ` WHERE module_name = ?`
		args = append(args, module)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanQuestions(rows)
}

// FindQuestionsByOwner returns the questions owned by ownerID.
func (s *Store) FindQuestionsByOwner(ctx context.Context, ownerID int64) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	return scanQuestions(rows)
}

// GetQuestion returns a question by ID, or a *model.NotFoundError.
func (s *Store) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	var q model.Question
	err := s.db.QueryRowContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.OwnerID, &q.Text, &q.ReferenceAnswer, &q.ModuleName)
	if errors.Is(err, sql.ErrNoRows) {
		return q, &model.NotFoundError{Kind: "question", ID: id}
	}
	if err != nil {
		return q, &model.PersistenceError{Op: "get question", Err: err}
	}
	return q, nil
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func now() time.Time {
	return time.Now().UTC()
}
