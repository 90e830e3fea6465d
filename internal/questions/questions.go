// Package questions imports question banks from JSON.
package questions

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/grader/internal/model"
)

// Store is the persistence an import needs.
type Store interface {
	InsertQuestions(ctx context.Context, ownerID int64, qs []model.QuestionImport) ([]int64, error)
	GetImportedFileHash(ctx context.Context, name string) (string, error)
	SetImportedFileHash(ctx context.Context, name, hash string) error
}

// Result describes one import.
type Result struct {
	IDs       []int64 `json:"ids"`
	Duplicate bool    `json:"duplicate"`
	Hash      string  `json:"hash"`
}

var validate = validator.New()

// Decode reads either a bare JSON array of questions or an object with a
// "questions" array, and validates every entry.
func Decode(data []byte) ([]model.QuestionImport, error) {
	data = bytes.TrimSpace(data)
	var qs []model.QuestionImport
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Questions []model.QuestionImport `json:"questions"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, &model.ValidationError{Field: "questions", Reason: err.Error()}
		}
		qs = wrapped.Questions
	} else if err := json.Unmarshal(data, &qs); err != nil {
		return nil, &model.ValidationError{Field: "questions", Reason: err.Error()}
	}
	if err := Validate(qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// Validate checks that the batch is non-empty and every entry is complete.
func Validate(qs []model.QuestionImport) error {
	if len(qs) == 0 {
		return &model.ValidationError{Field: "questions", Reason: "at least one question is required"}
	}
	for i, q := range qs {
		if err := validate.Struct(q); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				return &model.ValidationError{
					Field:  fmt.Sprintf("questions[%d].%s", i, jsonName(verrs[0].Field())),
					Reason: "is required",
				}
			}
			return &model.ValidationError{Field: fmt.Sprintf("questions[%d]", i), Reason: err.Error()}
		}
	}
	return nil
}

func jsonName(field string) string {
	switch field {
	case "Text":
		return "question"
	case "ReferenceAnswer":
		return "correct_answer"
	case "ModuleName":
		return "module"
	}
	return field
}

// Import stores the questions in data for ownerID. A file named name whose
// sha256 matches the last import under that name is skipped.
func Import(ctx context.Context, s Store, ownerID int64, name string, data []byte) (*Result, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := fmt.Sprintf("%d:%s", ownerID, name)

	stored, err := s.GetImportedFileHash(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check import status: %w", err)
	}
	if stored == hash {
		slog.Info("questions file unchanged, skipping import", "file", name, "owner_id", ownerID)
		return &Result{Duplicate: true, Hash: hash}, nil
	}

	qs, err := Decode(data)
	if err != nil {
		return nil, err
	}
	ids, err := s.InsertQuestions(ctx, ownerID, qs)
	if err != nil {
		return nil, err
	}
	if err := s.SetImportedFileHash(ctx, key, hash); err != nil {
		slog.Error("failed to record import", "file", name, "error", err)
	}
	slog.Info("imported questions", "file", name, "owner_id", ownerID, "count", len(ids))
	return &Result{IDs: ids, Hash: hash}, nil
}
