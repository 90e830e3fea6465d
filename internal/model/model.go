package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role. Teachers own questions.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// MaxScore is the top of the per-answer score scale.
const MaxScore = 5.0

// NoFeedback is substituted when the oracle reply has no usable feedback.
const NoFeedback = "No feedback provided"

// User represents a system user. StudentLevel is only meaningful for students.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	StudentLevel string    `json:"student_level,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session backing a bearer token.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Principal is the authenticated caller of a pipeline operation.
type Principal struct {
	UserID int64
	Role   UserRole
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Principal returns the principal view of the user.
func (u *User) Principal() Principal {
	return Principal{UserID: u.ID, Role: u.Role}
}

// Question is an exam question owned by a teacher.
type Question struct {
	ID              int64  `json:"id"`
	OwnerID         int64  `json:"owner_id"`
	Text            string `json:"question"`
	ReferenceAnswer string `json:"correct_answer"`
	ModuleName      string `json:"module"`
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	Text            string `json:"question" validate:"required"`
	ReferenceAnswer string `json:"correct_answer" validate:"required"`
	ModuleName      string `json:"module" validate:"required"`
}

// EvaluationRequest is the oracle request payload. It is never persisted.
type EvaluationRequest struct {
	Prompt            string   `json:"prompt"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	TopK              int      `json:"top_k"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	StopSequences     []string `json:"stop"`
}

// Evaluation is one persisted score and feedback for one student's answer.
// Records are immutable once created.
type Evaluation struct {
	ID         int64     `json:"id"`
	QuestionID int64     `json:"question_id"`
	StudentID  int64     `json:"student_id"`
	AnswerText string    `json:"answer_text"`
	Score      float64   `json:"score"`
	Feedback   string    `json:"feedback"`
	CreatedAt  time.Time `json:"created_at"`
}

// EvaluationDetail is an evaluation joined with its student and question.
type EvaluationDetail struct {
	Evaluation
	StudentName     string `json:"student_name"`
	StudentLevel    string `json:"student_level"`
	QuestionText    string `json:"question"`
	ReferenceAnswer string `json:"correct_answer"`
	ModuleName      string `json:"module"`
}

// AnswerInput is one answer within an exam submission.
type AnswerInput struct {
	QuestionID int64  `json:"question_id" validate:"required,gt=0"`
	AnswerText string `json:"answer_text"`
}

// ItemStatus is the outcome of one answer within a submission.
type ItemStatus string

const (
	// ItemGraded means the answer was scored and its evaluation stored.
	ItemGraded ItemStatus = "graded"
	// ItemFailed means the oracle call or the store write failed.
	ItemFailed ItemStatus = "failed"
	// ItemRejected means the answer failed before any oracle call.
	ItemRejected ItemStatus = "rejected"
)

// ItemResult is the outcome for one (question, answer) pair, in submission order.
type ItemResult struct {
	Index        int         `json:"index"`
	QuestionID   int64       `json:"question_id"`
	Status       ItemStatus  `json:"status"`
	Evaluation   *Evaluation `json:"evaluation,omitempty"`
	ParseDefault bool        `json:"parse_default,omitempty"`
	Attempts     int         `json:"attempts,omitempty"`
	Error        string      `json:"error,omitempty"`
	Err          error       `json:"-"`
}

// SubmissionResult collects the per-item outcomes of one exam submission.
type SubmissionResult struct {
	ID        string       `json:"id"`
	StudentID int64        `json:"student_id"`
	Items     []ItemResult `json:"items"`
	Graded    int          `json:"graded"`
	Failed    int          `json:"failed"`
}

// OK reports whether every item was graded.
func (r *SubmissionResult) OK() bool {
	return r.Failed == 0
}

// GradedQuestionIDs returns the questions whose evaluations were persisted.
func (r *SubmissionResult) GradedQuestionIDs() []int64 {
	var ids []int64
	for _, it := range r.Items {
		if it.Status == ItemGraded {
			ids = append(ids, it.QuestionID)
		}
	}
	return ids
}

// AnswerReport is one graded answer inside a student's module report.
type AnswerReport struct {
	QuestionID      int64   `json:"question_id"`
	Question        string  `json:"question"`
	StudentAnswer   string  `json:"student_answer"`
	ReferenceAnswer string  `json:"correct_answer"`
	Score           float64 `json:"score"`
	Marks           string  `json:"marks"`
	Feedback        string  `json:"feedback"`
}

// StudentReport is the aggregate of one student's evaluations in one module.
type StudentReport struct {
	StudentID  int64          `json:"student_id"`
	Name       string         `json:"name"`
	TotalScore float64        `json:"total_score"`
	MaxScore   float64        `json:"max_score"`
	Percentage int            `json:"percentage"`
	Grade      string         `json:"grade"`
	Answers    []AnswerReport `json:"answers"`
}

// ModuleReport is recomputed on every request and never stored.
type ModuleReport struct {
	ModuleName        string          `json:"module"`
	Questions         []Question      `json:"questions"`
	Students          []StudentReport `json:"students"`
	CompletedStudents int             `json:"completed_students"`
	TotalStudents     int             `json:"total_students"`
}

// QuestionAnswers lists every evaluation recorded for one question.
type QuestionAnswers struct {
	Question       Question           `json:"question"`
	Answers        []EvaluationDetail `json:"student_answers"`
	TotalResponses int                `json:"total_responses"`
	AverageScore   float64            `json:"average_score"`
}
