package store

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/pavelanni/grader/internal/model"
)

// CreateEvaluation inserts one evaluation record. Each call is an independent
// insert; concurrent callers need no coordination.
func (s *Store) CreateEvaluation(ctx context.Context, e model.Evaluation) (model.Evaluation, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (question_id, student_id, answer_text, score, feedback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.QuestionID, e.StudentID, e.AnswerText, e.Score, e.Feedback, e.CreatedAt,
	)
	if err != nil {
		slog.Error("failed to create evaluation", "question_id", e.QuestionID, "student_id", e.StudentID, "error", err)
		return e, &model.PersistenceError{Op: "create evaluation", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return e, &model.PersistenceError{Op: "create evaluation", Err: err}
	}
	e.ID = id
	return e, nil
}

const detailQuery = `
	SELECT e.id, e.question_id, e.student_id, e.answer_text, e.score, e.feedback, e.created_at,
	       COALESCE(u.name, 'Unknown Student'), COALESCE(u.student_level, 'Unknown'),
	       q.text, q.reference_answer, q.module_name
	FROM evaluations e
	JOIN questions q ON q.id = e.question_id
	LEFT JOIN users u ON u.id = e.student_id`

func scanDetails(rows *sql.Rows) ([]model.EvaluationDetail, error) {
	defer rows.Close()
	var out []model.EvaluationDetail
	for rows.Next() {
		var d model.EvaluationDetail
		if err := rows.Scan(
			&d.ID, &d.QuestionID, &d.StudentID, &d.AnswerText, &d.Score, &d.Feedback, &d.CreatedAt,
			&d.StudentName, &d.StudentLevel,
			&d.QuestionText, &d.ReferenceAnswer, &d.ModuleName,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindEvaluationsByQuestionIDs returns every evaluation of the given questions
// joined with student and question metadata. An empty id list yields no rows.
func (s *Store) FindEvaluationsByQuestionIDs(ctx context.Context, questionIDs []int64) ([]model.EvaluationDetail, error) {
	if len(questionIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(questionIDs))
	for i, id := range questionIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		detailQuery+` WHERE e.question_id IN (`+placeholders(len(questionIDs))+`) ORDER BY e.id`, args...)
	if err != nil {
		return nil, &model.PersistenceError{Op: "find evaluations", Err: err}
	}
	return scanDetails(rows)
}

// ListEvaluationsByStudent returns a student's evaluations, newest first.
func (s *Store) ListEvaluationsByStudent(ctx context.Context, studentID int64) ([]model.EvaluationDetail, error) {
	rows, err := s.db.QueryContext(ctx, detailQuery+` WHERE e.student_id = ? ORDER BY e.id DESC`, studentID)
	if err != nil {
		return nil, &model.PersistenceError{Op: "list evaluations", Err: err}
	}
	return scanDetails(rows)
}

// EvaluationCount returns the number of stored evaluations.
func (s *Store) EvaluationCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evaluations`).Scan(&count)
	return count, err
}
