// Package grading runs exam submissions through the oracle and persists one
// evaluation per answer.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
)

// DefaultConcurrency is the in-flight oracle call limit when none is configured.
const DefaultConcurrency = 4

// Store is the persistence the orchestrator needs.
type Store interface {
	GetQuestion(ctx context.Context, id int64) (model.Question, error)
	GetStudent(ctx context.Context, id int64) (*model.User, error)
	CreateEvaluation(ctx context.Context, e model.Evaluation) (model.Evaluation, error)
}

// Options tune the orchestrator.
type Options struct {
	// Concurrency caps simultaneous oracle calls per submission.
	Concurrency int
	// MaxRetries is how many times an OracleError is retried. Zero disables retries.
	MaxRetries int
	// RetryBackoff is the wait before the first retry; it doubles per attempt.
	RetryBackoff time.Duration
	// Parser extracts score and feedback. Nil uses the default extractors.
	Parser *llm.Parser
	Logger *slog.Logger
}

// Service grades submissions.
type Service struct {
	store   Store
	oracle  llm.Oracle
	builder *prompts.Builder
	parser  *llm.Parser
	opts    Options
	log     *slog.Logger
}

// New creates a grading service.
func New(s Store, o llm.Oracle, b *prompts.Builder, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	parser := opts.Parser
	if parser == nil {
		parser = llm.NewParser(nil, nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		oracle:  o,
		builder: b,
		parser:  parser,
		opts:    opts,
		log:     logger,
	}
}

// SubmissionError is returned when at least one answer of a submission was not
// graded. Evaluations of the other answers are already persisted and are not
// rolled back; Result lists which.
type SubmissionError struct {
	Result *model.SubmissionResult
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission %s: %d of %d answers failed (graded questions: %v)",
		e.Result.ID, e.Result.Failed, len(e.Result.Items), e.Graded())
}

// Graded returns the question IDs whose evaluations were persisted.
func (e *SubmissionError) Graded() []int64 {
	return e.Result.GradedQuestionIDs()
}

// FailedQuestionIDs returns the question IDs that were not graded.
func (e *SubmissionError) FailedQuestionIDs() []int64 {
	var ids []int64
	for _, it := range e.Result.Items {
		if it.Status != model.ItemGraded {
			ids = append(ids, it.QuestionID)
		}
	}
	return ids
}

// Unwrap exposes the per-item causes to errors.Is and errors.As.
func (e *SubmissionError) Unwrap() []error {
	var errs []error
	for _, it := range e.Result.Items {
		if it.Err != nil {
			errs = append(errs, it.Err)
		}
	}
	return errs
}

// SubmitExam grades every answer concurrently and persists one evaluation per
// graded answer. The caller must be a student; the submission is attributed to
// them.
//
// Once the student is resolved the work is detached from ctx: a caller that
// goes away does not cancel in-flight oracle calls or their writes.
//
// The returned result is non-nil whenever grading started. If any item failed
// the error is a *SubmissionError carrying the same result.
func (s *Service) SubmitExam(ctx context.Context, p model.Principal, answers []model.AnswerInput) (*model.SubmissionResult, error) {
	if p.Role != model.UserRoleStudent {
		return nil, model.ErrForbidden
	}
	if len(answers) == 0 {
		return nil, &model.ValidationError{Field: "answers", Reason: "at least one answer is required"}
	}
	for i, a := range answers {
		if a.QuestionID <= 0 {
			return nil, &model.ValidationError{Field: fmt.Sprintf("answers[%d].question_id", i), Reason: "must be a positive id"}
		}
	}

	student, err := s.store.GetStudent(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	result := &model.SubmissionResult{
		ID:        uuid.NewString(),
		StudentID: student.ID,
		Items:     make([]model.ItemResult, len(answers)),
	}
	log := s.log.With("submission_id", result.ID, "student_id", student.ID)
	log.Info("grading submission", "answers", len(answers), "concurrency", s.opts.Concurrency)

	work := context.WithoutCancel(ctx)
	start := time.Now()

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)
	for i, a := range answers {
		g.Go(func() error {
			result.Items[i] = s.gradeOne(work, log, student, i, a)
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range result.Items {
		if it.Status == model.ItemGraded {
			result.Graded++
		} else {
			result.Failed++
		}
	}

	log.Info("submission graded",
		"graded", result.Graded,
		"failed", result.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if result.Failed > 0 {
		return result, &SubmissionError{Result: result}
	}
	return result, nil
}

func (s *Service) gradeOne(ctx context.Context, log *slog.Logger, student *model.User, index int, a model.AnswerInput) model.ItemResult {
	item := model.ItemResult{Index: index, QuestionID: a.QuestionID}
	log = log.With("question_id", a.QuestionID)

	fail := func(status model.ItemStatus, err error) model.ItemResult {
		item.Status = status
		item.Err = err
		item.Error = err.Error()
		log.Error("evaluation failed", "status", status, "attempts", item.Attempts, "error", err)
		return item
	}

	q, err := s.store.GetQuestion(ctx, a.QuestionID)
	if err != nil {
		return fail(model.ItemRejected, err)
	}

	req, err := s.builder.Build(prompts.Input{
		QuestionText:    q.Text,
		ReferenceAnswer: q.ReferenceAnswer,
		ModuleName:      q.ModuleName,
		StudentLevel:    student.StudentLevel,
		Answer:          a.AnswerText,
	})
	if err != nil {
		return fail(model.ItemRejected, err)
	}

	text, attempts, err := s.evaluate(ctx, log, req)
	item.Attempts = attempts
	if err != nil {
		return fail(model.ItemFailed, err)
	}

	parsed := s.parser.Parse(text)
	item.ParseDefault = parsed.ParseDefault()
	if item.ParseDefault {
		log.Warn("no score found in oracle reply", "outcome", "parse_default")
		log.Debug("unparsed oracle reply", "text", text)
	}

	ev, err := s.store.CreateEvaluation(ctx, model.Evaluation{
		QuestionID: q.ID,
		StudentID:  student.ID,
		AnswerText: strings.TrimSpace(a.AnswerText),
		Score:      parsed.Score,
		Feedback:   parsed.Feedback,
	})
	if err != nil {
		return fail(model.ItemFailed, err)
	}

	item.Status = model.ItemGraded
	item.Evaluation = &ev
	log.Info("evaluation stored",
		"evaluation_id", ev.ID,
		"score", ev.Score,
		"parse_default", item.ParseDefault,
		"attempts", attempts,
	)
	return item
}

// evaluate calls the oracle, retrying OracleErrors up to MaxRetries times.
func (s *Service) evaluate(ctx context.Context, log *slog.Logger, req model.EvaluationRequest) (string, int, error) {
	backoff := s.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxRetries+1; attempt++ {
		text, err := s.oracle.Evaluate(ctx, req)
		if err == nil {
			return text, attempt, nil
		}
		lastErr = err
		var oe *llm.OracleError
		if !errors.As(err, &oe) || attempt > s.opts.MaxRetries {
			return "", attempt, err
		}
		log.Warn("oracle call failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", attempt, ctx.Err()
			}
			backoff *= 2
		}
	}
	return "", s.opts.MaxRetries + 1, lastErr
}

// GradeOnce evaluates a single answer without persisting anything.
func (s *Service) GradeOnce(ctx context.Context, in prompts.Input) (llm.Parsed, error) {
	req, err := s.builder.Build(in)
	if err != nil {
		return llm.Parsed{}, err
	}
	text, _, err := s.evaluate(ctx, s.log, req)
	if err != nil {
		return llm.Parsed{}, err
	}
	parsed := s.parser.Parse(text)
	if parsed.ParseDefault() {
		s.log.Warn("no score found in oracle reply", "outcome", "parse_default")
		s.log.Debug("unparsed oracle reply", "text", text)
	}
	return parsed, nil
}
