package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/grader/internal/grading"
	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/llm"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/report"
	"github.com/pavelanni/grader/internal/store"
)

const (
	maxBodyBytes   = 1 << 20
	maxUploadBytes = 10 << 20
)

// Config holds the auth and request-size settings of the API.
type Config struct {
	JWTSecret []byte
	TokenTTL  time.Duration
	// MaxUploadBytes caps a question-file upload. Zero means 10 MiB.
	MaxUploadBytes int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	grader   *grading.Service
	reports  *report.Service
	config   Config
	validate *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, g *grading.Service, r *report.Service, cfg Config) (*Handler, error) {
	if len(cfg.JWTSecret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = maxUploadBytes
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{store: s, grader: g, reports: r, config: cfg, validate: v}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Post("/auth/register", h.handleRegister)
	r.Post("/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/auth/logout", h.handleLogout)
		r.Get("/auth/me", h.handleMe)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Get("/users", h.handleAdminUsers)
			r.Post("/users/{userID}/toggle", h.handleToggleUserActive)
		})

		r.Route("/teacher", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleTeacher))
			r.Post("/questions", h.handleAddQuestions)
			r.Post("/questions/upload", h.handleUploadQuestions)
			r.Get("/questions", h.handleTeacherQuestions)
			r.Get("/questions/{questionID}/answers", h.handleQuestionAnswers)
			r.Get("/reports", h.handleModuleReports)
		})

		r.Route("/student", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleStudent))
			r.Get("/questions", h.handleStudentQuestions)
			r.Post("/submissions", h.handleSubmit)
			r.Get("/results", h.handleStudentResults)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorBody{Error: appI18n.T(r.Context(), msgID), Code: msgID})
}

// decodeJSON reads a size-limited JSON body into v and validates it.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &model.ValidationError{Reason: err.Error()}
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &model.ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
		}
		return &model.ValidationError{Reason: err.Error()}
	}
	return nil
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "email":
		return "must be an email address"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be at least " + fe.Param() + " long"
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// writeError maps pipeline errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *model.ValidationError
		nf *model.NotFoundError
		se *grading.SubmissionError
	)
	switch {
	case errors.As(err, &se):
		// Checked first: the items may wrap any of the kinds below.
		writeJSON(w, http.StatusBadGateway, submissionErrorBody{
			Error:  appI18n.Td(r.Context(), "SubmissionPartial", map[string]any{"Graded": se.Result.Graded, "Total": len(se.Result.Items)}),
			Code:   "SubmissionPartial",
			Graded: se.Graded(),
			Failed: se.FailedQuestionIDs(),
			Result: se.Result,
		})
	case errors.As(err, &ve):
		msg := appI18n.T(r.Context(), "InvalidRequest")
		if ve.Field != "" {
			msg = appI18n.Td(r.Context(), "InvalidField", map[string]any{"Field": ve.Field, "Reason": ve.Reason})
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "InvalidRequest"})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: appI18n.Td(r.Context(), "NotFound", map[string]any{"Kind": nf.Kind}),
			Code:  "NotFound",
		})
	case errors.Is(err, model.ErrForbidden):
		writeMessage(w, r, http.StatusForbidden, "Forbidden")
	case errors.Is(err, store.ErrDuplicate):
		writeMessage(w, r, http.StatusConflict, "EmailTaken")
	case llm.IsOracleError(err):
		slog.Error("oracle error", "path", r.URL.Path, "error", err)
		writeMessage(w, r, http.StatusBadGateway, "OracleUnavailable")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "InternalError")
	}
}

type submissionErrorBody struct {
	Error  string                  `json:"error"`
	Code   string                  `json:"code"`
	Graded []int64                 `json:"graded_question_ids"`
	Failed []int64                 `json:"failed_question_ids"`
	Result *model.SubmissionResult `json:"result"`
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, &model.ValidationError{Field: name, Reason: "must be a positive id"}
	}
	return id, nil
}
