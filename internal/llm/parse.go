package llm

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/grader/internal/model"
)

// ScoreExtractor pulls a raw score out of free-form oracle text.
type ScoreExtractor struct {
	Name    string
	Extract func(text string) (float64, bool)
}

// FeedbackExtractor pulls a feedback string out of free-form oracle text.
type FeedbackExtractor struct {
	Name    string
	Extract func(text string) (string, bool)
}

// ScoreLabels are tried in order; the first label found in the text wins.
var ScoreLabels = []string{"Student Score", "SCORE", "Score"}

// AnswerFence closes the student answer in the prompt. Replies that echo the
// prompt are parsed only after its last occurrence.
const AnswerFence = "</student-answer>"

// LabelScore matches "<label>: <number>" case-insensitively.
func LabelScore(name, label string) ScoreExtractor {
	return labelScore(name, `(?i)`+regexp.QuoteMeta(label))
}

// ExactLabelScore matches "<label>: <number>" with the label's exact case.
func ExactLabelScore(name, label string) ScoreExtractor {
	return labelScore(name, regexp.QuoteMeta(label))
}

func labelScore(name, pattern string) ScoreExtractor {
	re := regexp.MustCompile(pattern + `:\s*([-+]?\d+(?:\.\d+)?)`)
	return ScoreExtractor{
		Name: name,
		Extract: func(text string) (float64, bool) {
			m := re.FindStringSubmatch(text)
			if m == nil {
				return 0, false
			}
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, false
			}
			return v, true
		},
	}
}

// LabelFeedback captures everything after "<label>:" up to the first of the
// terminator labels or the end of the text.
func LabelFeedback(name, label string, terminators []string) FeedbackExtractor {
	alts := make([]string, 0, len(terminators)+1)
	for _, t := range terminators {
		alts = append(alts, regexp.QuoteMeta(t)+`:`)
	}
	alts = append(alts, `\z`)
	re := regexp.MustCompile(`(?is)` + regexp.QuoteMeta(label) + `:\s*(.*?)(?:` + strings.Join(alts, "|") + `)`)
	return FeedbackExtractor{
		Name: name,
		Extract: func(text string) (string, bool) {
			m := re.FindStringSubmatch(text)
			if m == nil {
				return "", false
			}
			fb := strings.TrimSpace(m[1])
			return fb, fb != ""
		},
	}
}

// DefaultScoreExtractors mirror ScoreLabels.
var DefaultScoreExtractors = []ScoreExtractor{
	LabelScore("student_score", "Student Score"),
	ExactLabelScore("score_upper", "SCORE"),
	LabelScore("score", "Score"),
}

// DefaultFeedbackExtractors stop at any score label.
var DefaultFeedbackExtractors = []FeedbackExtractor{
	LabelFeedback("feedback", "Feedback", ScoreLabels),
}

// Parsed is the structured result of parsing one oracle reply.
type Parsed struct {
	Score          float64
	Feedback       string
	ScoreSource    string // extractor name, empty when the score defaulted
	FeedbackSource string // extractor name, empty when the placeholder was used
}

// ParseDefault reports whether no score label was found, so Score is the
// default rather than an oracle-reported value.
func (p Parsed) ParseDefault() bool {
	return p.ScoreSource == ""
}

// Parser applies extractor lists in order; first success wins.
type Parser struct {
	scores   []ScoreExtractor
	feedback []FeedbackExtractor
}

// NewParser creates a parser. Nil lists fall back to the defaults.
func NewParser(scores []ScoreExtractor, feedback []FeedbackExtractor) *Parser {
	if scores == nil {
		scores = DefaultScoreExtractors
	}
	if feedback == nil {
		feedback = DefaultFeedbackExtractors
	}
	return &Parser{scores: scores, feedback: feedback}
}

var defaultParser = NewParser(nil, nil)

// Parse extracts score and feedback with the default extractors.
func Parse(text string) Parsed {
	return defaultParser.Parse(text)
}

// Parse extracts a normalized score and a non-empty feedback string. The two
// extractions are independent.
func (p *Parser) Parse(text string) Parsed {
	out := Parsed{Feedback: model.NoFeedback}
	if i := strings.LastIndex(text, AnswerFence); i >= 0 {
		text = text[i+len(AnswerFence):]
	}

	for _, ex := range p.scores {
		if v, ok := ex.Extract(text); ok {
			out.Score = Normalize(v)
			out.ScoreSource = ex.Name
			break
		}
	}

	for _, ex := range p.feedback {
		if fb, ok := ex.Extract(text); ok {
			out.Feedback = fb
			out.FeedbackSource = ex.Name
			break
		}
	}

	return out
}

// Clamp bounds x to [0, model.MaxScore].
func Clamp(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > model.MaxScore:
		return model.MaxScore
	default:
		return x
	}
}

// Normalize clamps x and rounds it to one decimal place.
func Normalize(x float64) float64 {
	return math.Round(Clamp(x)*10) / 10
}
