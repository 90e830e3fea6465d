package handler

import (
	"net/http"

	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
)

// studentQuestion hides the reference answer from students.
type studentQuestion struct {
	ID     int64  `json:"id"`
	Text   string `json:"question"`
	Module string `json:"module"`
}

func (h *Handler) handleStudentQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.store.ListQuestions(r.Context(), r.URL.Query().Get("module"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]studentQuestion, len(qs))
	for i, q := range qs {
		out[i] = studentQuestion{ID: q.ID, Text: q.Text, Module: q.ModuleName}
	}
	writeJSON(w, http.StatusOK, out)
}

type submitRequest struct {
	Answers []model.AnswerInput `json:"answers" validate:"required,min=1,dive"`
}

type submitResponse struct {
	Message string                  `json:"message"`
	Result  *model.SubmissionResult `json:"result"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.grader.SubmitExam(r.Context(), principal(r), req.Answers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{
		Message: appI18n.T(r.Context(), "SubmissionGraded"),
		Result:  res,
	})
}

func (h *Handler) handleStudentResults(w http.ResponseWriter, r *http.Request) {
	evals, err := h.reports.StudentResults(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evals)
}
