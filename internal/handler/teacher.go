package handler

import (
	"io"
	"net/http"

	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/questions"
)

type addQuestionsRequest struct {
	Questions []model.QuestionImport `json:"questions"`
}

type addQuestionsResponse struct {
	Message   string  `json:"message"`
	IDs       []int64 `json:"ids"`
	Duplicate bool    `json:"duplicate,omitempty"`
}

func (h *Handler) handleAddQuestions(w http.ResponseWriter, r *http.Request) {
	var req addQuestionsRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := questions.Validate(req.Questions); err != nil {
		h.writeError(w, r, err)
		return
	}
	ids, err := h.store.InsertQuestions(r.Context(), principal(r).UserID, req.Questions)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, addQuestionsResponse{
		Message: appI18n.Tp(r.Context(), "QuestionsAdded", len(ids)),
		IDs:     ids,
	})
}

// handleUploadQuestions imports a multipart "questions_file". Re-uploading an
// unchanged file is a no-op.
func (h *Handler) handleUploadQuestions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		h.writeError(w, r, &model.ValidationError{Field: "questions_file", Reason: "file too large"})
		return
	}
	file, header, err := r.FormFile("questions_file")
	if err != nil {
		h.writeError(w, r, &model.ValidationError{Field: "questions_file", Reason: "is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := questions.Import(r.Context(), h.store, principal(r).UserID, header.Filename, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, addQuestionsResponse{
		Message:   appI18n.Tp(r.Context(), "QuestionsAdded", len(res.IDs)),
		IDs:       res.IDs,
		Duplicate: res.Duplicate,
	})
}

func (h *Handler) handleTeacherQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.store.FindQuestionsByOwner(r.Context(), principal(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if qs == nil {
		qs = []model.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Handler) handleQuestionAnswers(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "questionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	qa, err := h.reports.QuestionAnswers(r.Context(), principal(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qa)
}

func (h *Handler) handleModuleReports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.reports.GetModuleReports(r.Context(), principal(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}
