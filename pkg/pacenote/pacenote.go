// Package pacenote generates CAF performance feedback notes.
package pacenote

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/blob"
	"github.com/cafgpt/cafgpt/pkg/completion"
	"github.com/cafgpt/cafgpt/pkg/models"
)

// StepPaceNote labels pace note completions in usage history.
const StepPaceNote = "pacenote"

// Observation length bounds, counted after trimming.
const (
	MinObservationChars = 20
	MaxObservationChars = 2000
)

const (
	basePromptKey = "pacenote/prompts/base.md"
	examplesKey   = "paceNote/examples.md"
)

var ranks = []models.RankInfo{
	{Value: models.RankCpl, Label: "Corporal (Cpl)"},
	{Value: models.RankMCpl, Label: "Master Corporal (MCpl)"},
	{Value: models.RankSgt, Label: "Sergeant (Sgt)"},
	{Value: models.RankWO, Label: "Warrant Officer (WO)"},
}

// Completer sends completion requests.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Response, error)
}

// Service generates pace notes.
type Service struct {
	store blob.Store
	llm   Completer
	model string
	now   func() time.Time
}

// New creates a Service.
func New(store blob.Store, llm Completer, model string) *Service {
	return &Service{store: store, llm: llm, model: model, now: time.Now}
}

// Ranks returns the ranks a pace note can be written for.
func Ranks() []models.RankInfo {
	out := make([]models.RankInfo, len(ranks))
	copy(out, ranks)
	return out
}

// Validate checks a pace note request.
func Validate(req models.PaceNoteRequest) error {
	known := false
	for _, r := range ranks {
		if r.Value == req.Rank {
			known = true
			break
		}
	}
	if !known {
		return apperr.Validation("invalid rank %q", req.Rank).With("field", "rank")
	}

	n := utf8.RuneCountInString(strings.TrimSpace(req.Observations))
	if n < MinObservationChars {
		return apperr.Validation("observations must be at least %d characters long", MinObservationChars).
			With("field", "observations")
	}
	if n > MaxObservationChars {
		return apperr.Validation("observations must be at most %d characters long", MaxObservationChars).
			With("field", "observations")
	}
	return nil
}

// Generate validates req and writes a pace note for it.
func (s *Service) Generate(ctx context.Context, req models.PaceNoteRequest) (*models.PaceNote, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	system, err := s.systemPrompt(ctx, req.Rank, req.CompetencyFocus)
	if err != nil {
		return nil, err
	}

	caller := completion.CallerFrom(ctx)
	caller.Tool = StepPaceNote
	ctx = completion.WithCaller(ctx, caller)

	resp, err := s.llm.Complete(ctx, completion.Request{
		Model: s.model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: strings.TrimSpace(req.Observations)},
		},
		Step: StepPaceNote,
	})
	if err != nil {
		return nil, err
	}

	note := &models.PaceNote{
		Feedback:    strings.TrimSpace(resp.Text),
		Rank:        req.Rank,
		GeneratedAt: s.now().UTC(),
	}
	if resp.Usage != nil {
		note.Usage = *resp.Usage
	}
	return note, nil
}

// systemPrompt fills the base template with the rank's competencies and the
// example notes.
func (s *Service) systemPrompt(ctx context.Context, rank models.Rank, focus []string) (string, error) {
	base, err := s.load(ctx, basePromptKey)
	if err != nil {
		return "", err
	}
	competencies, err := s.load(ctx, fmt.Sprintf("paceNote/%s.md", strings.ToLower(string(rank))))
	if err != nil {
		return "", err
	}
	examples, err := s.load(ctx, examplesKey)
	if err != nil {
		return "", err
	}

	prompt := strings.ReplaceAll(base, "{{competency_list}}", competencies)
	prompt = strings.ReplaceAll(prompt, "{{examples}}", examples)

	var areas []string
	for _, f := range focus {
		if f = strings.TrimSpace(f); f != "" {
			areas = append(areas, f)
		}
	}
	if len(areas) > 0 {
		prompt += "\n\nSPECIFIC COMPETENCY FOCUS: Pay particular attention to " + strings.Join(areas, ", ")
	}
	return prompt, nil
}

func (s *Service) load(ctx context.Context, key string) (string, error) {
	text, err := s.store.Get(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.Wrap(apperr.KindTimeout, "request cancelled", ctx.Err())
		}
		return "", apperr.Wrap(apperr.KindInternal, "load "+key, err)
	}
	return text, nil
}
