package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/grader/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Variant represents a grading prompt variant.
type Variant string

const (
	// Strict is a strict grading variant for majors.
	Strict Variant = "strict"
	// Standard is the default grading variant.
	Standard Variant = "standard"
	// Lenient is a lenient grading variant for electives.
	Lenient Variant = "lenient"
)

var toneLines = map[Variant]string{
	Strict:   "Be strict: award high scores only to answers that are complete and accurate.",
	Standard: "Be fair: award partial credit for partially correct answers.",
	Lenient:  "Be lenient: reward a correct core idea even when details are missing.",
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	_, ok := toneLines[Variant(v)]
	return ok
}

// Params are the fixed generation parameters sent with every request.
type Params struct {
	// Temperature controls output randomness; low values favour repeatable grading.
	Temperature float64 `validate:"gte=0,lte=2"`
	// TopP is the nucleus sampling mass.
	TopP float64 `validate:"gt=0,lte=1"`
	// TopK limits sampling to the K most likely tokens.
	TopK int `validate:"gte=0"`
	// RepetitionPenalty discourages echoing the prompt back.
	RepetitionPenalty float64 `validate:"gt=0"`
	// Stop ends generation at markers such as a new "Question:" block.
	Stop []string `validate:"dive,required"`
}

// DefaultParams returns the generation parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		Temperature:       0.2,
		TopP:              0.85,
		TopK:              40,
		RepetitionPenalty: 1.8,
		Stop:              []string{"Question:"},
	}
}

// Input is everything needed to build one evaluation request.
type Input struct {
	QuestionText    string `validate:"required"`
	ReferenceAnswer string `validate:"required"`
	ModuleName      string `validate:"required"`
	StudentLevel    string `validate:"required"`
	Answer          string
}

type promptData struct {
	Input
	Tone string
}

// Builder turns inputs into oracle requests. It is safe for concurrent use.
type Builder struct {
	tmpl     *template.Template
	tone     string
	params   Params
	validate *validator.Validate
}

// New parses the embedded template and validates the generation parameters.
func New(variant Variant, params Params) (*Builder, error) {
	tone, ok := toneLines[variant]
	if !ok {
		return nil, errors.New("invalid prompt variant: " + string(variant))
	}
	content, err := templateFS.ReadFile("templates/evaluate.tmpl")
	if err != nil {
		return nil, fmt.Errorf("read prompt template: %w", err)
	}
	tmpl, err := template.New("evaluate").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	v := validator.New()
	if err := v.Struct(params); err != nil {
		return nil, fmt.Errorf("generation parameters: %w", err)
	}
	return &Builder{
		tmpl:     tmpl,
		tone:     tone,
		params:   params,
		validate: v,
	}, nil
}

// Build renders the prompt for in. It returns a *model.ValidationError when a
// required field is missing.
func (b *Builder) Build(in Input) (model.EvaluationRequest, error) {
	in.QuestionText = strings.TrimSpace(in.QuestionText)
	in.ReferenceAnswer = strings.TrimSpace(in.ReferenceAnswer)
	in.ModuleName = strings.TrimSpace(in.ModuleName)
	in.StudentLevel = strings.TrimSpace(in.StudentLevel)

	if err := b.validate.Struct(in); err != nil {
		return model.EvaluationRequest{}, toValidationError(err)
	}
	in.Answer = SanitizeAnswer(in.Answer)

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, promptData{Input: in, Tone: b.tone}); err != nil {
		return model.EvaluationRequest{}, fmt.Errorf("render prompt: %w", err)
	}

	return model.EvaluationRequest{
		Prompt:            buf.String(),
		Temperature:       b.params.Temperature,
		TopP:              b.params.TopP,
		TopK:              b.params.TopK,
		RepetitionPenalty: b.params.RepetitionPenalty,
		StopSequences:     append([]string(nil), b.params.Stop...),
	}, nil
}

// SanitizeAnswer strips tags that could break out of the answer fence,
// truncates very long answers and substitutes a marker for empty ones.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}

var fieldNames = map[string]string{
	"QuestionText":    "question",
	"ReferenceAnswer": "reference answer",
	"ModuleName":      "module",
	"StudentLevel":    "student level",
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		name := fieldNames[verrs[0].Field()]
		if name == "" {
			name = verrs[0].Field()
		}
		return &model.ValidationError{Field: name, Reason: "is required"}
	}
	return &model.ValidationError{Reason: err.Error()}
}
