// Package relationship keeps the private favor score of each character
// toward the player and scores every exchange with the generation service.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Xinyu/server/internal/events"
	"Xinyu/server/internal/infra"
	"Xinyu/server/internal/interfaces"
	"Xinyu/server/internal/logging"
	"Xinyu/server/internal/models"
	"Xinyu/server/internal/prompts"
	"Xinyu/server/internal/storage"
)

const reasonInitial = "initial"

// Engine owns every FavorState write. Writes are serialized per character.
type Engine struct {
	gen          interfaces.Generator
	store        *storage.FavorStore
	templates    *prompts.TemplateEngine
	locks        *infra.KeyedMutex
	publisher    events.Publisher
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = events.OrNop(p) }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrDiscard(l).With("component", "relationship") }
}

// WithHistoryLimit caps the history; 0 keeps everything.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

func NewEngine(gen interfaces.Generator, store *storage.FavorStore, templates *prompts.TemplateEngine, opts ...Option) *Engine {
	if templates == nil {
		templates = prompts.NewTemplateEngine()
	}
	e := &Engine{
		gen:          gen,
		store:        store,
		templates:    templates,
		locks:        infra.NewKeyedMutex(),
		publisher:    events.Nop,
		historyLimit: 50,
		logger:       logging.Discard(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the persisted state or storage.ErrNotFound.
func (e *Engine) State(ctx context.Context, characterID string) (*models.FavorState, error) {
	return e.store.Get(ctx, characterID)
}

// InitializeFavor infers the starting favor from lore the first time a
// character is met. An existing state is returned untouched. A failed or
// unparsable inference starts at 0; only storage errors are returned.
func (e *Engine) InitializeFavor(ctx context.Context, character *models.Character, player *models.PlayerIdentity) (*models.FavorState, error) {
	// Existing states are read without the lock so a running scoring job
	// never delays a turn.
	state, err := e.store.Get(ctx, character.ID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load favor: %w", err)
	}

	unlock, err := e.locks.LockContext(ctx, character.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err = e.store.Get(ctx, character.ID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load favor: %w", err)
	}

	value := 0
	prompt := e.templates.MustRender(prompts.TemplateFavorInitial, prompts.Vars{
		"character_name": prompts.CharacterName(character),
		"player_name":    prompts.PlayerName(player),
		"character_lore": prompts.RenderLore(character.Worldbook),
		"player_lore":    prompts.RenderLore(playerLore(player)),
		"player_profile": prompts.RenderPlayerProfile(player),
	})
	reply, err := e.gen.Complete(ctx, prompt)
	if err != nil {
		e.logger.Warn("initial favor inference failed, starting at 0", "character_id", character.ID, "error", err)
	} else if v, ok := parseInitial(reply); ok {
		value = v
	} else {
		e.logger.Warn("initial favor reply unparsable, starting at 0", "character_id", character.ID, "reply", reply)
	}

	now := e.now()
	state = &models.FavorState{
		Value:      value,
		LastUpdate: now,
		History:    []models.FavorRecord{{Value: value, Delta: value, Timestamp: now, Reason: reasonInitial}},
	}
	if err := e.store.Put(ctx, character.ID, state); err != nil {
		return nil, fmt.Errorf("failed to save favor: %w", err)
	}

	e.logger.Info("favor initialized", "character_id", character.ID, "stage", StageOf(value))
	e.publisher.Publish(events.FavorUpdated(character.ID, value))
	return state, nil
}

// EvaluateDelta asks how one exchange changed the relationship. It does
// not touch storage.
func (e *Engine) EvaluateDelta(ctx context.Context, character *models.Character, prior *models.FavorState, playerInput, generated string) (Delta, error) {
	stage, _ := Disposition(prior)
	prompt := e.templates.MustRender(prompts.TemplateFavorDelta, prompts.Vars{
		"character_name": prompts.CharacterName(character),
		"stage_label":    stage.Label(),
		"player_input":   playerInput,
		"generated_text": generated,
	})

	reply, err := e.gen.Complete(ctx, prompt)
	if err != nil {
		return Delta{}, fmt.Errorf("failed to evaluate favor delta: %w", err)
	}
	d, err := parseDelta(reply)
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %q", err, reply)
	}
	return d, nil
}

// ApplyExchange scores one exchange and applies it. Scoring failures are
// logged and leave the state unchanged. A character without a state, such
// as one deleted meanwhile, is skipped and yields nil. The scoring call
// runs unlocked; the delta is applied to whatever value is current once
// it returns.
func (e *Engine) ApplyExchange(ctx context.Context, character *models.Character, playerInput, generated string) (*models.FavorState, error) {
	prior, err := e.store.Get(ctx, character.ID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Debug("no favor state, exchange not scored", "character_id", character.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load favor: %w", err)
	}

	d, err := e.EvaluateDelta(ctx, character, prior, playerInput, generated)
	if err != nil {
		e.logger.Warn("favor scoring skipped", "character_id", character.ID, "error", err)
		return prior, nil
	}
	if d.Value == 0 {
		return prior, nil
	}

	state, applied, err := e.applyDelta(ctx, character.ID, d)
	if err != nil || state == nil {
		return state, err
	}

	e.logger.Debug("favor updated", "character_id", character.ID, "delta", applied, "stage", StageOf(state.Value))
	if applied != 0 {
		e.publisher.Publish(events.FavorUpdated(character.ID, state.Value))
	}
	return state, nil
}

// applyDelta adds d to the current state under the character lock. The
// history records every non-zero delta, with the amount actually applied.
func (e *Engine) applyDelta(ctx context.Context, characterID string, d Delta) (*models.FavorState, int, error) {
	unlock, err := e.locks.LockContext(ctx, characterID)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	state, err := e.store.Get(ctx, characterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load favor: %w", err)
	}

	next := Clamp(state.Value + d.Value)
	applied := next - state.Value

	now := e.now()
	state.Value = next
	state.LastUpdate = now
	state.History = append(state.History, models.FavorRecord{Value: next, Delta: applied, Timestamp: now, Reason: d.Reason})
	if e.historyLimit > 0 && len(state.History) > e.historyLimit {
		state.History = state.History[len(state.History)-e.historyLimit:]
	}
	if err := e.store.Put(ctx, characterID, state); err != nil {
		return nil, 0, fmt.Errorf("failed to save favor: %w", err)
	}
	return state, applied, nil
}

// DescribeRelationship generates the disposition text for state and
// stores it. Unusable replies fall back to the canned text of the stage.
func (e *Engine) DescribeRelationship(ctx context.Context, character *models.Character, state *models.FavorState, recent []models.Turn) string {
	if state == nil {
		state = &models.FavorState{}
	}
	stage := StageOf(state.Value)
	descriptor := CannedDescriptor(stage)

	prompt := e.templates.MustRender(prompts.TemplateDescriptor, prompts.Vars{
		"character_name": prompts.CharacterName(character),
		"stage_label":    stage.Label(),
		"transcript":     prompts.RenderTranscript(recent, ""),
	})
	reply, err := e.gen.Complete(ctx, prompt)
	switch {
	case err != nil:
		e.logger.Warn("descriptor generation failed, using canned text", "character_id", character.ID, "error", err)
	default:
		if text, ok := cleanDescriptor(reply); ok {
			descriptor = text
		} else {
			e.logger.Debug("descriptor reply rejected", "character_id", character.ID, "reply", reply)
		}
	}

	if err := e.storeDescriptor(ctx, character.ID, descriptor, state.Value); err != nil {
		e.logger.Warn("failed to store descriptor", "character_id", character.ID, "error", err)
	}
	return descriptor
}

func (e *Engine) storeDescriptor(ctx context.Context, characterID, descriptor string, value int) error {
	unlock, err := e.locks.LockContext(ctx, characterID)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := e.store.Get(ctx, characterID)
	if err != nil {
		return err
	}
	current.Descriptor = descriptor
	current.DescriptorValue = value
	return e.store.Put(ctx, characterID, current)
}

// Delete drops the state of a deleted character.
func (e *Engine) Delete(ctx context.Context, characterID string) error {
	unlock, err := e.locks.LockContext(ctx, characterID)
	if err != nil {
		return err
	}
	defer unlock()
	return e.store.Delete(ctx, characterID)
}

func playerLore(p *models.PlayerIdentity) []models.WorldbookGroup {
	if p == nil {
		return nil
	}
	return p.Worldbook
}
