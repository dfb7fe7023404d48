package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tutorpath/tutorpath/internal/llm"
)

var ErrMalformedResponse = errors.New("malformed model response")

// Problem is one generated practice problem.
type Problem struct {
	Question      string   `json:"question"`
	Choices       []string `json:"choices,omitempty"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
}

// Evaluation is the model's judgment of a learner answer.
type Evaluation struct {
	Correct  bool   `json:"correct"`
	Feedback string `json:"feedback"`
	Hint     string `json:"hint,omitempty"`
}

// Service runs the AI-dependent tutoring operations through the executor, so
// every operation shares one retry/fallback policy.
type Service struct {
	executor *llm.Executor
	logger   *slog.Logger
}

// NewService creates a tutor service. The executor is injected by the
// composition root.
func NewService(executor *llm.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{executor: executor, logger: logger}
}

// Greet returns a short personalized greeting for session start.
func (s *Service) Greet(ctx context.Context, learnerName, topicTitle string) (string, error) {
	prompt := fmt.Sprintf(
		"You are a friendly math tutor for primary school students. "+
			"Greet %s in one or two short sentences and invite them to practice %s. "+
			"Plain text only.",
		learnerName, topicTitle)

	text, err := llm.Execute(ctx, s.executor, func(ctx context.Context, p llm.Provider) (string, error) {
		return p.Generate(ctx, prompt, 128)
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// GenerateProblem produces one practice problem for a node. The model must
// answer with a single JSON object; anything else is a malformed-response
// error, never a half-parsed problem.
func (s *Service) GenerateProblem(ctx context.Context, topicTitle, nodeTitle string, difficulty int) (*Problem, error) {
	prompt := fmt.Sprintf(
		"Generate one %s practice problem about %q at difficulty %d of 5 for a primary school student. "+
			"Respond with exactly one JSON object with keys: "+
			`"question", "choices" (array of 4 strings, optional), "correct_answer", "explanation". `+
			"No markdown, no surrounding text.",
		topicTitle, nodeTitle, difficulty)

	return llm.Execute(ctx, s.executor, func(ctx context.Context, p llm.Provider) (*Problem, error) {
		text, err := p.Generate(ctx, prompt, 512)
		if err != nil {
			return nil, err
		}
		var problem Problem
		if err := decodeObject(text, &problem); err != nil {
			return nil, err
		}
		if problem.Question == "" || problem.CorrectAnswer == "" {
			return nil, fmt.Errorf("%w: missing question or answer", ErrMalformedResponse)
		}
		return &problem, nil
	})
}

// EvaluateAnswer asks the model to judge a learner's answer and produce
// feedback.
func (s *Service) EvaluateAnswer(ctx context.Context, question, expected, answer string) (*Evaluation, error) {
	prompt := fmt.Sprintf(
		"A student answered a math problem.\nProblem: %s\nExpected answer: %s\nStudent answer: %s\n"+
			"Judge the answer. Respond with exactly one JSON object with keys: "+
			`"correct" (boolean), "feedback" (one encouraging sentence), "hint" (optional, only when wrong). `+
			"No markdown, no surrounding text.",
		question, expected, answer)

	return llm.Execute(ctx, s.executor, func(ctx context.Context, p llm.Provider) (*Evaluation, error) {
		text, err := p.Generate(ctx, prompt, 256)
		if err != nil {
			return nil, err
		}
		var eval Evaluation
		if err := decodeObject(text, &eval); err != nil {
			return nil, err
		}
		if eval.Feedback == "" {
			return nil, fmt.Errorf("%w: missing feedback", ErrMalformedResponse)
		}
		return &eval, nil
	})
}

// decodeObject extracts the first JSON object from the model output and
// decodes it strictly. Models wrap JSON in code fences often enough that
// stripping them is table stakes; anything beyond that fails closed.
func decodeObject(text string, v any) error {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end <= start {
		return fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}

	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
