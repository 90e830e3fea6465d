package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/pavelanni/grader/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestUser(t *testing.T, s *Store, email string, role model.UserRole) int64 {
	t.Helper()
	u := model.User{Email: email, Name: email, PasswordHash: "x", Role: role, Active: true}
	if role == model.UserRoleStudent {
		u.StudentLevel = "Undergraduate"
	}
	id, err := s.CreateUser(context.Background(), u)
	if err != nil {
		t.Fatalf("insertTestUser: %v", err)
	}
	return id
}

func insertTestQuestion(t *testing.T, s *Store, owner int64, text, module string) int64 {
	t.Helper()
	id, err := s.InsertQuestion(context.Background(), model.Question{
		OwnerID:         owner,
		Text:            text,
		ReferenceAnswer: "answer for " + text,
		ModuleName:      module,
	})
	if err != nil {
		t.Fatalf("insertTestQuestion: %v", err)
	}
	return id
}

func TestQuestionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	teacher := insertTestUser(t, s, "t@example.com", model.UserRoleTeacher)
	other := insertTestUser(t, s, "o@example.com", model.UserRoleTeacher)

	count, err := s.QuestionCount(ctx)
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 questions, got %d", count)
	}

	id := insertTestQuestion(t, s, teacher, "What is Go?", "Basics")
	q, err := s.GetQuestion(ctx, id)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if q.Text != "What is Go?" || q.ModuleName != "Basics" || q.OwnerID != teacher {
		t.Errorf("unexpected question %+v", q)
	}

	_, err = s.GetQuestion(ctx, 9999)
	if !model.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}

	ids, err := s.InsertQuestions(ctx, other, []model.QuestionImport{
		{Text: "Q2", ReferenceAnswer: "A2", ModuleName: "Concurrency"},
		{Text: "Q3", ReferenceAnswer: "A3", ModuleName: "Basics"},
	})
	if err != nil {
		t.Fatalf("InsertQuestions: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}

	tests := []struct {
		name   string
		module string
		want   int
	}{
		{"all", "", 3},
		{"basics", "Basics", 2},
		{"none", "History", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qs, err := s.ListQuestions(ctx, tt.module)
			if err != nil {
				t.Fatalf("ListQuestions: %v", err)
			}
			if len(qs) != tt.want {
				t.Errorf("expected %d questions, got %d", tt.want, len(qs))
			}
		})
	}

	owned, err := s.FindQuestionsByOwner(ctx, other)
	if err != nil {
		t.Fatalf("FindQuestionsByOwner: %v", err)
	}
	if len(owned) != 2 || owned[0].Text != "Q2" {
		t.Errorf("unexpected owned questions %+v", owned)
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertTestUser(t, s, "Stu@Example.com", model.UserRoleStudent)

	u, err := s.GetUserByEmail(ctx, "stu@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if u == nil || u.ID != id || u.StudentLevel != "Undergraduate" || !u.Active {
		t.Fatalf("unexpected user %+v", u)
	}

	_, err = s.CreateUser(ctx, model.User{Email: "stu@example.com", Name: "dup", PasswordHash: "x", Role: model.UserRoleStudent})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	missing, err := s.GetUserByID(ctx, 999)
	if err != nil || missing != nil {
		t.Errorf("expected nil user and nil error, got %v, %v", missing, err)
	}

	if _, err := s.GetStudent(ctx, id); err != nil {
		t.Errorf("GetStudent: %v", err)
	}
	if err := s.ToggleUserActive(ctx, id); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	if _, err := s.GetStudent(ctx, id); !model.IsNotFound(err) {
		t.Errorf("inactive student should not be found, got %v", err)
	}

	teacher := insertTestUser(t, s, "t@example.com", model.UserRoleTeacher)
	if _, err := s.GetStudent(ctx, teacher); !model.IsNotFound(err) {
		t.Errorf("a teacher is not a student, got %v", err)
	}
	if err := s.ToggleUserActive(ctx, 999); !model.IsNotFound(err) {
		t.Errorf("toggling a missing user should be NotFound, got %v", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 users, got %d", len(users))
	}
	count, _ := s.UserCount(ctx)
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
}

func TestEvaluations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	teacher := insertTestUser(t, s, "t@example.com", model.UserRoleTeacher)
	alice := insertTestUser(t, s, "alice@example.com", model.UserRoleStudent)
	bob := insertTestUser(t, s, "bob@example.com", model.UserRoleStudent)
	q1 := insertTestQuestion(t, s, teacher, "Q1", "Basics")
	q2 := insertTestQuestion(t, s, teacher, "Q2", "Basics")

	// Empty id list yields nothing.
	got, err := s.FindEvaluationsByQuestionIDs(ctx, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no evaluations, got %v, %v", got, err)
	}

	e, err := s.CreateEvaluation(ctx, model.Evaluation{
		QuestionID: q1, StudentID: alice, AnswerText: "a1", Score: 4.0, Feedback: "good",
	})
	if err != nil {
		t.Fatalf("CreateEvaluation: %v", err)
	}
	if e.ID == 0 || e.CreatedAt.IsZero() {
		t.Errorf("expected id and created_at to be set: %+v", e)
	}

	// Duplicates of (question, student) are allowed.
	for _, ev := range []model.Evaluation{
		{QuestionID: q1, StudentID: alice, AnswerText: "a1 again", Score: 3.0, Feedback: "ok"},
		{QuestionID: q2, StudentID: bob, AnswerText: "b2", Score: 2.5, Feedback: "meh"},
	} {
		if _, err := s.CreateEvaluation(ctx, ev); err != nil {
			t.Fatalf("CreateEvaluation: %v", err)
		}
	}

	got, err = s.FindEvaluationsByQuestionIDs(ctx, []int64{q1})
	if err != nil {
		t.Fatalf("FindEvaluationsByQuestionIDs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 evaluations for q1, got %d", len(got))
	}
	d := got[0]
	if d.StudentName != "alice@example.com" || d.StudentLevel != "Undergraduate" || d.QuestionText != "Q1" || d.ModuleName != "Basics" {
		t.Errorf("unexpected join metadata %+v", d)
	}
	if time.Since(d.CreatedAt) > time.Minute {
		t.Errorf("created_at did not round-trip: %v", d.CreatedAt)
	}

	got, _ = s.FindEvaluationsByQuestionIDs(ctx, []int64{q1, q2})
	if len(got) != 3 {
		t.Errorf("expected 3 evaluations, got %d", len(got))
	}

	mine, err := s.ListEvaluationsByStudent(ctx, alice)
	if err != nil {
		t.Fatalf("ListEvaluationsByStudent: %v", err)
	}
	if len(mine) != 2 || mine[0].AnswerText != "a1 again" {
		t.Errorf("expected newest first, got %+v", mine)
	}

	// Unknown foreign keys are rejected as persistence errors.
	_, err = s.CreateEvaluation(ctx, model.Evaluation{QuestionID: 999, StudentID: alice, AnswerText: "x", Feedback: "x"})
	var pe *model.PersistenceError
	if !errors.As(err, &pe) {
		t.Errorf("expected PersistenceError, got %v", err)
	}
}

func TestConcurrentEvaluationInserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	teacher := insertTestUser(t, s, "t@example.com", model.UserRoleTeacher)
	student := insertTestUser(t, s, "s@example.com", model.UserRoleStudent)
	q := insertTestQuestion(t, s, teacher, "Q", "M")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateEvaluation(ctx, model.Evaluation{QuestionID: q, StudentID: student, AnswerText: "a", Score: 1, Feedback: "f"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("CreateEvaluation: %v", err)
		}
	}
	count, _ := s.EvaluationCount(ctx)
	if count != n {
		t.Errorf("expected %d evaluations, got %d", n, count)
	}
}

func TestCreateEvaluationStoreFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO evaluations").WillReturnError(errors.New("disk I/O error"))

	s := newWithDB(db)
	_, err = s.CreateEvaluation(context.Background(), model.Evaluation{QuestionID: 1, StudentID: 2, AnswerText: "a", Feedback: "f"})
	var pe *model.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if pe.Op != "create evaluation" {
		t.Errorf("op = %q", pe.Op)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFindEvaluationsStoreFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("FROM evaluations e").WithArgs(int64(1), int64(2)).WillReturnError(errors.New("database is locked"))

	_, err = newWithDB(db).FindEvaluationsByQuestionIDs(context.Background(), []int64{1, 2})
	var pe *model.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestAuthSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "u@example.com", model.UserRoleStudent)

	sess, err := s.CreateAuthSession(ctx, uid, time.Hour)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	got, err := s.GetAuthSession(ctx, sess.ID)
	if err != nil || got == nil || got.UserID != uid {
		t.Fatalf("GetAuthSession = %+v, %v", got, err)
	}

	if err := s.DeleteAuthSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	got, _ = s.GetAuthSession(ctx, sess.ID)
	if got != nil {
		t.Error("deleted session should be gone")
	}

	expired, err := s.CreateAuthSession(ctx, uid, -time.Minute)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	got, _ = s.GetAuthSession(ctx, expired.ID)
	if got != nil {
		t.Error("expired session should not be returned")
	}
	if err := s.CleanupExpiredSessions(ctx); err != nil {
		t.Errorf("CleanupExpiredSessions: %v", err)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Missing file returns empty string.
	hash, err := s.GetImportedFileHash(ctx, "/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash(ctx, "/some/path.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "/some/path.json")
	if hash != "abc123" {
		t.Errorf("expected 'abc123', got %q", hash)
	}

	// Update existing.
	if err := s.SetImportedFileHash(ctx, "/some/path.json", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "/some/path.json")
	if hash != "def456" {
		t.Errorf("expected 'def456', got %q", hash)
	}
}
