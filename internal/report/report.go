// Package report aggregates persisted evaluations into per-module grade reports.
package report

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/pavelanni/grader/internal/model"
)

// Grade maps a percentage to a letter using the fixed boundary table.
func Grade(pct int) string {
	switch {
	case pct >= 75:
		return "A"
	case pct >= 64:
		return "B"
	case pct >= 50:
		return "C"
	case pct >= 40:
		return "D"
	case pct >= 35:
		return "S"
	default:
		return "F"
	}
}

// Marks formats a score as "<score>/5".
func Marks(score float64) string {
	return fmt.Sprintf("%g/%g", score, model.MaxScore)
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

type groupKey struct {
	module    string
	studentID int64
}

// Build computes module reports from a teacher's questions and the evaluations
// of those questions. Evaluations of questions not in the list are ignored.
// The output does not depend on the order of either input.
func Build(questions []model.Question, evals []model.EvaluationDetail) []model.ModuleReport {
	qs := slices.Clone(questions)
	slices.SortFunc(qs, func(a, b model.Question) int { return cmp.Compare(a.ID, b.ID) })

	byID := make(map[int64]model.Question, len(qs))
	modules := make(map[string]*model.ModuleReport)
	var names []string
	for _, q := range qs {
		byID[q.ID] = q
		m, ok := modules[q.ModuleName]
		if !ok {
			m = &model.ModuleReport{ModuleName: q.ModuleName, Questions: []model.Question{}, Students: []model.StudentReport{}}
			modules[q.ModuleName] = m
			names = append(names, q.ModuleName)
		}
		m.Questions = append(m.Questions, q)
	}

	es := slices.Clone(evals)
	slices.SortFunc(es, func(a, b model.EvaluationDetail) int {
		return cmp.Or(
			cmp.Compare(a.StudentID, b.StudentID),
			cmp.Compare(a.QuestionID, b.QuestionID),
			cmp.Compare(a.ID, b.ID),
		)
	})

	students := make(map[groupKey]*model.StudentReport)
	var keys []groupKey
	for _, e := range es {
		q, ok := byID[e.QuestionID]
		if !ok {
			continue
		}
		k := groupKey{module: q.ModuleName, studentID: e.StudentID}
		sr, ok := students[k]
		if !ok {
			sr = &model.StudentReport{StudentID: e.StudentID, Name: e.StudentName}
			students[k] = sr
			keys = append(keys, k)
		}
		feedback := e.Feedback
		if feedback == "" {
			feedback = model.NoFeedback
		}
		sr.Answers = append(sr.Answers, model.AnswerReport{
			QuestionID:      q.ID,
			Question:        q.Text,
			StudentAnswer:   e.AnswerText,
			ReferenceAnswer: q.ReferenceAnswer,
			Score:           e.Score,
			Marks:           Marks(e.Score),
			Feedback:        feedback,
		})
		sr.TotalScore += e.Score
	}

	for _, k := range keys {
		sr := students[k]
		sr.TotalScore = round1(sr.TotalScore)
		sr.MaxScore = model.MaxScore * float64(len(sr.Answers))
		sr.Percentage = int(math.Round(sr.TotalScore / sr.MaxScore * 100))
		sr.Grade = Grade(sr.Percentage)

		m := modules[k.module]
		m.Students = append(m.Students, *sr)
		m.CompletedStudents++
		m.TotalStudents = max(m.TotalStudents, m.CompletedStudents)
	}

	slices.Sort(names)
	out := make([]model.ModuleReport, 0, len(names))
	for _, name := range names {
		m := modules[name]
		slices.SortFunc(m.Students, func(a, b model.StudentReport) int {
			return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.StudentID, b.StudentID))
		})
		out = append(out, *m)
	}
	return out
}

// Store is the read-side persistence the report service needs.
type Store interface {
	FindQuestionsByOwner(ctx context.Context, ownerID int64) ([]model.Question, error)
	FindEvaluationsByQuestionIDs(ctx context.Context, questionIDs []int64) ([]model.EvaluationDetail, error)
	GetQuestion(ctx context.Context, id int64) (model.Question, error)
	ListEvaluationsByStudent(ctx context.Context, studentID int64) ([]model.EvaluationDetail, error)
}

// Service answers report queries. It never writes.
type Service struct {
	store Store
}

// NewService creates a report service.
func NewService(s Store) *Service {
	return &Service{store: s}
}

// GetModuleReports returns the reports for every module the teacher owns
// questions in. A teacher with no evaluations gets reports with no students.
func (s *Service) GetModuleReports(ctx context.Context, p model.Principal) ([]model.ModuleReport, error) {
	if p.Role != model.UserRoleTeacher {
		return nil, model.ErrForbidden
	}
	questions, err := s.store.FindQuestionsByOwner(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("find questions: %w", err)
	}
	ids := make([]int64, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}
	evals, err := s.store.FindEvaluationsByQuestionIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("find evaluations: %w", err)
	}
	return Build(questions, evals), nil
}

// QuestionAnswers returns all evaluations of one question the teacher owns.
// A question owned by someone else is reported as not found.
func (s *Service) QuestionAnswers(ctx context.Context, p model.Principal, questionID int64) (*model.QuestionAnswers, error) {
	if p.Role != model.UserRoleTeacher {
		return nil, model.ErrForbidden
	}
	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if q.OwnerID != p.UserID {
		return nil, &model.NotFoundError{Kind: "question", ID: questionID}
	}
	evals, err := s.store.FindEvaluationsByQuestionIDs(ctx, []int64{questionID})
	if err != nil {
		return nil, fmt.Errorf("find evaluations: %w", err)
	}
	qa := &model.QuestionAnswers{
		Question:       q,
		Answers:        evals,
		TotalResponses: len(evals),
	}
	if qa.Answers == nil {
		qa.Answers = []model.EvaluationDetail{}
	}
	if len(evals) > 0 {
		var sum float64
		for _, e := range evals {
			sum += e.Score
		}
		qa.AverageScore = math.Round(sum/float64(len(evals))*100) / 100
	}
	return qa, nil
}

// StudentResults returns the caller's own evaluations, newest first.
func (s *Service) StudentResults(ctx context.Context, p model.Principal) ([]model.EvaluationDetail, error) {
	if p.Role != model.UserRoleStudent {
		return nil, model.ErrForbidden
	}
	evals, err := s.store.ListEvaluationsByStudent(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if evals == nil {
		evals = []model.EvaluationDetail{}
	}
	return evals, nil
}
