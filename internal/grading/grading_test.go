package grading

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/llm/prompts"
	"github.com/pavelanni/grader/internal/model"
)

type fakeStore struct {
	mu        sync.Mutex
	questions map[int64]model.Question
	students  map[int64]*model.User
	evals     []model.Evaluation
	failFor   map[int64]bool // question ids whose insert fails
	nextID    int64
}

func newFakeStore(nQuestions int) *fakeStore {
	fs := &fakeStore{
		questions: make(map[int64]model.Question),
		students: map[int64]*model.User{
			7: {ID: 7, Name: "Alice", Role: model.UserRoleStudent, StudentLevel: "Undergraduate", Active: true},
		},
		failFor: make(map[int64]bool),
	}
	for i := 1; i <= nQuestions; i++ {
		id := int64(i)
		fs.questions[id] = model.Question{
			ID:              id,
			OwnerID:         1,
			Text:            fmt.Sprintf("Question %d?", i),
			ReferenceAnswer: fmt.Sprintf("Reference %d", i),
			ModuleName:      "Basics",
		}
	}
	return fs
}

func (f *fakeStore) GetQuestion(_ context.Context, id int64) (model.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.questions[id]
	if !ok {
		return model.Question{}, &model.NotFoundError{Kind: "question", ID: id}
	}
	return q, nil
}

func (f *fakeStore) GetStudent(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.students[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "student", ID: id}
	}
	return u, nil
}

func (f *fakeStore) CreateEvaluation(_ context.Context, e model.Evaluation) (model.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[e.QuestionID] {
		return e, &model.PersistenceError{Op: "create evaluation", Err: errors.New("disk full")}
	}
	f.nextID++
	e.ID = f.nextID
	f.evals = append(f.evals, e)
	return e, nil
}

func (f *fakeStore) evaluations() []model.Evaluation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Evaluation(nil), f.evals...)
}

// fakeOracle scores an answer "answer-<n>" as n mod 6 after a random delay.
type fakeOracle struct {
	maxDelay time.Duration
	fail     map[string]int // answer token -> number of calls that fail
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32

	mu     sync.Mutex
	failed map[string]int
}

var answerToken = regexp.MustCompile(`answer-(\d+)`)

func (o *fakeOracle) Evaluate(ctx context.Context, req model.EvaluationRequest) (string, error) {
	o.calls.Add(1)
	n := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if o.maxDelay > 0 {
		select {
		case <-time.After(time.Duration(rand.Int64N(int64(o.maxDelay)))):
		case <-ctx.Done():
			return "", &llm.OracleError{Op: "generate", Err: ctx.Err()}
		}
	}

	m := answerToken.FindStringSubmatch(req.Prompt)
	if m == nil {
		return "I cannot grade this.", nil
	}
	token := m[0]

	o.mu.Lock()
	if o.failed == nil {
		o.failed = make(map[string]int)
	}
	if o.failed[token] < o.fail[token] {
		o.failed[token]++
		o.mu.Unlock()
		return "", &llm.OracleError{Op: "generate", StatusCode: 503, Err: errors.New("overloaded")}
	}
	o.mu.Unlock()

	num, _ := strconv.Atoi(m[1])
	return fmt.Sprintf("Feedback: graded %s\nScore: %d", token, num%6), nil
}

func newTestService(t *testing.T, s Store, o llm.Oracle, opts Options) *Service {
	t.Helper()
	b, err := prompts.New(prompts.Standard, prompts.DefaultParams())
	if err != nil {
		t.Fatalf("prompts.New: %v", err)
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, o, b, opts)
}

var alice = model.Principal{UserID: 7, Role: model.UserRoleStudent}

func answersFor(ids ...int64) []model.AnswerInput {
	out := make([]model.AnswerInput, len(ids))
	for i, id := range ids {
		out[i] = model.AnswerInput{QuestionID: id, AnswerText: fmt.Sprintf("answer-%d", id)}
	}
	return out
}

func TestSubmitExamAttribution(t *testing.T) {
	const n = 12
	fs := newFakeStore(n)
	oracle := &fakeOracle{maxDelay: 20 * time.Millisecond}
	svc := newTestService(t, fs, oracle, Options{Concurrency: n})

	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	res, err := svc.SubmitExam(context.Background(), alice, answersFor(ids...))
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if res.Graded != n || res.Failed != 0 || !res.OK() {
		t.Fatalf("graded=%d failed=%d", res.Graded, res.Failed)
	}

	evals := fs.evaluations()
	if len(evals) != n {
		t.Fatalf("expected %d persisted evaluations, got %d", n, len(evals))
	}
	for _, e := range evals {
		if e.StudentID != 7 {
			t.Errorf("evaluation %d attributed to student %d", e.ID, e.StudentID)
		}
		if e.AnswerText != fmt.Sprintf("answer-%d", e.QuestionID) {
			t.Errorf("question %d stored answer %q", e.QuestionID, e.AnswerText)
		}
		if want := float64(e.QuestionID % 6); e.Score != want {
			t.Errorf("question %d: score %v, want %v", e.QuestionID, e.Score, want)
		}
		if e.Feedback != fmt.Sprintf("graded answer-%d", e.QuestionID) {
			t.Errorf("question %d: feedback %q", e.QuestionID, e.Feedback)
		}
	}

	// Items come back in submission order.
	for i, it := range res.Items {
		if it.Index != i || it.QuestionID != ids[i] {
			t.Errorf("item %d: index=%d question=%d", i, it.Index, it.QuestionID)
		}
		if it.Evaluation == nil || it.Evaluation.QuestionID != ids[i] {
			t.Errorf("item %d: wrong evaluation %+v", i, it.Evaluation)
		}
	}
}

func TestSubmitExamConcurrencyLimit(t *testing.T) {
	const n = 10
	fs := newFakeStore(n)
	oracle := &fakeOracle{maxDelay: 10 * time.Millisecond}
	svc := newTestService(t, fs, oracle, Options{Concurrency: 3})

	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	if _, err := svc.SubmitExam(context.Background(), alice, answersFor(ids...)); err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if peak := oracle.peak.Load(); peak > 3 {
		t.Errorf("peak in-flight oracle calls = %d, limit 3", peak)
	}
	if calls := oracle.calls.Load(); calls != n {
		t.Errorf("expected %d oracle calls, got %d", n, calls)
	}
}

func TestSubmitExamPartialFailure(t *testing.T) {
	fs := newFakeStore(4)
	fs.failFor[3] = true
	oracle := &fakeOracle{fail: map[string]int{"answer-2": 100}}
	svc := newTestService(t, fs, oracle, Options{})

	// Question 99 does not exist.
	res, err := svc.SubmitExam(context.Background(), alice, answersFor(1, 2, 3, 4, 99))

	var se *SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if res == nil || se.Result != res {
		t.Fatal("result should be returned alongside the error")
	}
	if res.Graded != 2 || res.Failed != 3 {
		t.Errorf("graded=%d failed=%d", res.Graded, res.Failed)
	}

	wantStatus := []model.ItemStatus{model.ItemGraded, model.ItemFailed, model.ItemFailed, model.ItemGraded, model.ItemRejected}
	for i, want := range wantStatus {
		if got := res.Items[i].Status; got != want {
			t.Errorf("item %d: status %s, want %s", i, got, want)
		}
	}

	if got := se.Graded(); len(got) != 2 || got[0] != 1 || got[1] != 4 {
		t.Errorf("Graded() = %v", got)
	}
	if got := se.FailedQuestionIDs(); len(got) != 3 {
		t.Errorf("FailedQuestionIDs() = %v", got)
	}

	// Completed siblings stay persisted.
	if evals := fs.evaluations(); len(evals) != 2 {
		t.Errorf("expected 2 persisted evaluations, got %d", len(evals))
	}

	// Causes are reachable through the submission error.
	if !llm.IsOracleError(err) {
		t.Error("expected an OracleError cause")
	}
	if !model.IsNotFound(err) {
		t.Error("expected a NotFoundError cause")
	}
	var pe *model.PersistenceError
	if !errors.As(err, &pe) {
		t.Error("expected a PersistenceError cause")
	}
}

func TestSubmitExamRejectsBeforeOracle(t *testing.T) {
	tests := []struct {
		name    string
		p       model.Principal
		answers []model.AnswerInput
		check   func(error) bool
	}{
		{
			name:    "teacher caller",
			p:       model.Principal{UserID: 7, Role: model.UserRoleTeacher},
			answers: answersFor(1),
			check:   func(err error) bool { return errors.Is(err, model.ErrForbidden) },
		},
		{
			name:    "missing student",
			p:       model.Principal{UserID: 42, Role: model.UserRoleStudent},
			answers: answersFor(1),
			check:   model.IsNotFound,
		},
		{
			name:  "empty submission",
			p:     alice,
			check: model.IsValidation,
		},
		{
			name:    "bad question id",
			p:       alice,
			answers: []model.AnswerInput{{QuestionID: 0, AnswerText: "x"}},
			check:   model.IsValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore(1)
			oracle := &fakeOracle{}
			svc := newTestService(t, fs, oracle, Options{})

			res, err := svc.SubmitExam(context.Background(), tt.p, tt.answers)
			if !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			if res != nil {
				t.Errorf("expected nil result, got %+v", res)
			}
			if calls := oracle.calls.Load(); calls != 0 {
				t.Errorf("expected no oracle calls, got %d", calls)
			}
		})
	}
}

func TestSubmitExamRetries(t *testing.T) {
	fs := newFakeStore(1)
	oracle := &fakeOracle{fail: map[string]int{"answer-1": 2}}
	svc := newTestService(t, fs, oracle, Options{MaxRetries: 2, RetryBackoff: time.Millisecond})

	res, err := svc.SubmitExam(context.Background(), alice, answersFor(1))
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if got := res.Items[0].Attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	// Without retries the same failure surfaces.
	fs = newFakeStore(1)
	oracle = &fakeOracle{fail: map[string]int{"answer-1": 1}}
	svc = newTestService(t, fs, oracle, Options{})
	res, err = svc.SubmitExam(context.Background(), alice, answersFor(1))
	if err == nil {
		t.Fatal("expected failure without retries")
	}
	if res.Items[0].Attempts != 1 || res.Items[0].Status != model.ItemFailed {
		t.Errorf("unexpected item %+v", res.Items[0])
	}
}

func TestSubmitExamParseDefault(t *testing.T) {
	fs := newFakeStore(1)
	svc := newTestService(t, fs, &fakeOracle{}, Options{})

	res, err := svc.SubmitExam(context.Background(), alice, []model.AnswerInput{{QuestionID: 1, AnswerText: "no token here"}})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	it := res.Items[0]
	if !it.ParseDefault || it.Status != model.ItemGraded {
		t.Fatalf("unexpected item %+v", it)
	}
	if it.Evaluation.Score != 0 || it.Evaluation.Feedback != model.NoFeedback {
		t.Errorf("unexpected default evaluation %+v", it.Evaluation)
	}
}

func TestSubmitExamCallerCancellation(t *testing.T) {
	fs := newFakeStore(3)
	oracle := &fakeOracle{maxDelay: 30 * time.Millisecond}
	svc := newTestService(t, fs, oracle, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()

	res, err := svc.SubmitExam(ctx, alice, answersFor(1, 2, 3))
	if err != nil {
		t.Fatalf("cancellation should not fail in-flight calls: %v", err)
	}
	if res.Graded != 3 {
		t.Errorf("graded = %d", res.Graded)
	}
	if evals := fs.evaluations(); len(evals) != 3 {
		t.Errorf("expected 3 persisted evaluations, got %d", len(evals))
	}
}

func TestGradeOnce(t *testing.T) {
	svc := newTestService(t, newFakeStore(0), &fakeOracle{}, Options{})

	parsed, err := svc.GradeOnce(context.Background(), prompts.Input{
		QuestionText:    "What is a goroutine?",
		ReferenceAnswer: "A lightweight thread",
		ModuleName:      "Concurrency",
		StudentLevel:    "Graduate",
		Answer:          "answer-4",
	})
	if err != nil {
		t.Fatalf("GradeOnce: %v", err)
	}
	if parsed.Score != 4 || parsed.ParseDefault() {
		t.Errorf("unexpected parse %+v", parsed)
	}

	_, err = svc.GradeOnce(context.Background(), prompts.Input{Answer: "x"})
	if !model.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}
