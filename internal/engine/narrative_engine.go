package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Xinyu/server/internal/detector"
	"Xinyu/server/internal/events"
	"Xinyu/server/internal/infra"
	"Xinyu/server/internal/interfaces"
	"Xinyu/server/internal/logging"
	"Xinyu/server/internal/models"
	"Xinyu/server/internal/prompts"
	"Xinyu/server/internal/relationship"
	"Xinyu/server/internal/snapshot"
	"Xinyu/server/internal/storage"
	"Xinyu/server/internal/synchronizer"
)

// Deps are the collaborators of NarrativeEngine.
type Deps struct {
	Generator    interfaces.Generator
	Assembler    *prompts.Assembler
	Characters   *storage.CharacterStore
	Players      *storage.PlayerStore
	Turns        *storage.TurnStore
	Requests     storage.RequestStore
	Relationship *relationship.Engine
	Detector     *detector.Detector
	Snapshots    *snapshot.Cache
	Sync         *synchronizer.Synchronizer
	Publisher    events.Publisher
	Queue        *infra.TaskQueue
	Logger       *slog.Logger
}

type Options struct {
	ContextTurns   int
	RejectWhenBusy bool
}

// TurnResult is the outcome of one generation.
type TurnResult struct {
	CharacterID  string       `json:"character_id"`
	PlayerTurn   *models.Turn `json:"player_turn,omitempty"`
	NarratorTurn models.Turn  `json:"narrator_turn"`
	TurnCount    int          `json:"turn_count"`
}

// FavorView is the collaborator-facing relationship summary.
type FavorView struct {
	Value      int                  `json:"value"`
	Stage      string               `json:"stage"`
	StageLabel string               `json:"stage_label"`
	Descriptor string               `json:"descriptor"`
	LastUpdate time.Time            `json:"last_update"`
	History    []models.FavorRecord `json:"history"`
}

// NarrativeEngine runs the turn pipeline: assemble, generate, append,
// publish, then schedule detection and favor scoring in the background.
// At most one generation runs per character.
type NarrativeEngine struct {
	deps   Deps
	opts   Options
	gate   *infra.KeyedGate
	logger *slog.Logger
}

func NewNarrativeEngine(deps Deps, opts Options) *NarrativeEngine {
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = 6
	}
	if deps.Assembler == nil {
		deps.Assembler = prompts.NewAssembler(nil)
	}
	deps.Publisher = events.OrNop(deps.Publisher)
	return &NarrativeEngine{
		deps:   deps,
		opts:   opts,
		gate:   infra.NewKeyedGate(),
		logger: logging.OrDiscard(deps.Logger).With("component", "narrative_engine"),
	}
}

// ClassifyInput treats input wrapped in *...*, （...） or (...) as
// narrated action, anything else as speech.
func ClassifyInput(input string) models.TurnKind {
	s := strings.TrimSpace(input)
	for _, pair := range [][2]string{{"*", "*"}, {"（", "）"}, {"(", ")"}} {
		if len(s) > len(pair[0])+len(pair[1]) && strings.HasPrefix(s, pair[0]) && strings.HasSuffix(s, pair[1]) {
			return models.KindNarration
		}
	}
	return models.KindSpeech
}

// IsGenerating reports whether a generation is in flight for characterID.
func (e *NarrativeEngine) IsGenerating(characterID string) bool {
	return e.gate.Busy(characterID)
}

func (e *NarrativeEngine) enter(ctx context.Context, characterID string) (func(), error) {
	if e.opts.RejectWhenBusy {
		release, ok := e.gate.TryEnter(characterID)
		if !ok {
			return nil, ErrGenerationInProgress
		}
		return release, nil
	}
	return e.gate.Enter(ctx, characterID)
}

// SubmitTurn appends the player's input and generates the continuation.
// On a generation failure the player turn stays in the transcript and the
// typed *GenerationError is returned; Regenerate retries.
func (e *NarrativeEngine) SubmitTurn(ctx context.Context, characterID, input string) (*TurnResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	release, err := e.enter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	defer release()

	character, player, err := e.participants(ctx, characterID)
	if err != nil {
		return nil, err
	}
	state := e.favorState(ctx, character, player)

	playerTurn := models.Turn{From: models.SpeakerPlayer, Text: input, Kind: ClassifyInput(input), CreatedAt: time.Now()}
	if _, err := e.deps.Turns.Append(ctx, characterID, playerTurn); err != nil {
		return nil, fmt.Errorf("failed to append player turn: %w", err)
	}

	result, err := e.generate(ctx, character, player, state, func(in prompts.AssemblyInput) string {
		return e.deps.Assembler.Build(in)
	})
	if err != nil {
		return nil, err
	}
	result.PlayerTurn = &playerTurn

	e.afterNarrative(character, result.NarratorTurn.Text, input, "")
	return result, nil
}

// Regenerate continues from the current transcript without a new player
// turn. It does not score favor again.
func (e *NarrativeEngine) Regenerate(ctx context.Context, characterID string) (*TurnResult, error) {
	release, err := e.enter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	defer release()

	character, player, err := e.participants(ctx, characterID)
	if err != nil {
		return nil, err
	}
	state := e.favorState(ctx, character, player)

	result, err := e.generate(ctx, character, player, state, func(in prompts.AssemblyInput) string {
		return e.deps.Assembler.Build(in)
	})
	if err != nil {
		return nil, err
	}

	e.afterNarrative(character, result.NarratorTurn.Text, "", "")
	return result, nil
}

// RespondToRequest lets the character react to a pending request. The
// reaction is scanned for the request's outcome in the background.
func (e *NarrativeEngine) RespondToRequest(ctx context.Context, requestID string) (*TurnResult, error) {
	req, err := e.deps.Requests.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	if req.Status != models.RequestPending {
		return nil, ErrRequestNotPending
	}

	release, err := e.enter(ctx, req.CharacterID)
	if err != nil {
		return nil, err
	}
	defer release()

	character, player, err := e.participants(ctx, req.CharacterID)
	if err != nil {
		return nil, err
	}
	state := e.favorState(ctx, character, player)

	visible := req.Visible()
	result, err := e.generate(ctx, character, player, state, func(in prompts.AssemblyInput) string {
		return e.deps.Assembler.BuildRequestResponse(in, visible)
	})
	if err != nil {
		return nil, err
	}

	e.afterNarrative(character, result.NarratorTurn.Text, req.Greeting, req.ID)
	return result, nil
}

// favorState initializes favor for the primary flow. A storage failure is
// logged and the turn proceeds from a zero state.
func (e *NarrativeEngine) favorState(ctx context.Context, character *models.Character, player *models.PlayerIdentity) *models.FavorState {
	state, err := e.deps.Relationship.InitializeFavor(ctx, character, player)
	if err != nil {
		e.logger.Warn("favor unavailable, continuing from zero", "character_id", character.ID, "error", err)
		return &models.FavorState{}
	}
	return state
}

func (e *NarrativeEngine) participants(ctx context.Context, characterID string) (*models.Character, *models.PlayerIdentity, error) {
	character, err := e.deps.Characters.Get(ctx, characterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrCharacterNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load character: %w", err)
	}

	player, err := e.deps.Players.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		player = nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to load player: %w", err)
	}
	return character, player, nil
}

func (e *NarrativeEngine) generate(ctx context.Context, character *models.Character, player *models.PlayerIdentity,
	state *models.FavorState, build func(prompts.AssemblyInput) string) (*TurnResult, error) {
	recent, err := e.deps.Turns.Recent(ctx, character.ID, e.opts.ContextTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	pending, err := e.deps.Requests.List(ctx, storage.RequestFilter{CharacterID: character.ID, Status: models.RequestPending})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	visible := make([]models.VisibleRequest, 0, len(pending))
	for _, r := range pending {
		visible = append(visible, r.Visible())
	}

	stage, descriptor := relationship.Disposition(state)
	prompt := build(prompts.AssemblyInput{
		Character:  character,
		Player:     player,
		Turns:      recent,
		StageLabel: stage.Label(),
		Descriptor: descriptor,
		Requests:   visible,
	})

	// A started completion is appended even if the caller goes away; the
	// generation client's own timeout bounds it.
	ctx = context.WithoutCancel(ctx)

	start := time.Now()
	text, err := e.deps.Generator.Complete(ctx, prompt)
	if err != nil {
		e.logger.Warn("generation failed", "character_id", character.ID, "error", err)
		return nil, err
	}
	e.logger.Info("narrative generated", "character_id", character.ID, "duration", time.Since(start), "chars", len([]rune(text)))

	turn := models.Turn{From: models.SpeakerNarrator, Text: strings.TrimSpace(text), Kind: models.KindNarration, CreatedAt: time.Now()}
	count, err := e.deps.Turns.Append(ctx, character.ID, turn)
	if err != nil {
		return nil, fmt.Errorf("failed to append narrator turn: %w", err)
	}
	return &TurnResult{CharacterID: character.ID, NarratorTurn: turn, TurnCount: count}, nil
}

// afterNarrative publishes the text and schedules the secondary jobs.
// Neither job can fail the turn.
func (e *NarrativeEngine) afterNarrative(character *models.Character, text, playerInput, requestID string) {
	e.deps.Publisher.Publish(events.NarrativeProduced(character.ID, text))

	e.enqueue(infra.Task{
		Name: "detect_social_action",
		Key:  character.ID,
		Run: func(ctx context.Context) error {
			var err error
			if requestID != "" {
				_, err = e.deps.Detector.ProcessRequest(ctx, requestID, text)
			} else {
				_, err = e.deps.Detector.Process(ctx, character.ID, text)
			}
			return err
		},
	})

	if playerInput == "" {
		return
	}
	e.enqueue(infra.Task{
		Name: "score_relationship",
		Key:  character.ID,
		Run: func(ctx context.Context) error {
			state, err := e.deps.Relationship.ApplyExchange(ctx, character, playerInput, text)
			if err != nil || state == nil {
				return err
			}
			recent, err := e.deps.Turns.Recent(ctx, character.ID, e.opts.ContextTurns)
			if err != nil {
				return err
			}
			e.deps.Relationship.DescribeRelationship(ctx, character, state, recent)
			return nil
		},
	})
}

func (e *NarrativeEngine) enqueue(task infra.Task) {
	if err := e.deps.Queue.Enqueue(task); err != nil {
		e.logger.Warn("secondary task not scheduled", "task", task.Name, "character_id", task.Key, "error", err)
	}
}

// Drain waits for every scheduled secondary job.
func (e *NarrativeEngine) Drain() {
	e.deps.Queue.Wait()
}

// Transcript returns all turns of characterID.
func (e *NarrativeEngine) Transcript(ctx context.Context, characterID string) ([]models.Turn, error) {
	if _, err := e.character(ctx, characterID); err != nil {
		return nil, err
	}
	return e.deps.Turns.List(ctx, characterID)
}

// Favor returns the relationship summary, initializing it on first access.
func (e *NarrativeEngine) Favor(ctx context.Context, characterID string) (*FavorView, error) {
	character, player, err := e.participants(ctx, characterID)
	if err != nil {
		return nil, err
	}
	state, err := e.deps.Relationship.InitializeFavor(ctx, character, player)
	if err != nil {
		return nil, err
	}
	stage, descriptor := relationship.Disposition(state)
	history := state.History
	if history == nil {
		history = []models.FavorRecord{}
	}
	return &FavorView{
		Value:      state.Value,
		Stage:      stage.String(),
		StageLabel: stage.Label(),
		Descriptor: descriptor,
		LastUpdate: state.LastUpdate,
		History:    history,
	}, nil
}

// ClearHistory empties the transcript after any in-flight generation.
func (e *NarrativeEngine) ClearHistory(ctx context.Context, characterID string) error {
	if _, err := e.character(ctx, characterID); err != nil {
		return err
	}
	release, err := e.gate.Enter(ctx, characterID)
	if err != nil {
		return err
	}
	defer release()

	if err := e.deps.Turns.Clear(ctx, characterID); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}
	if err := e.deps.Snapshots.Invalidate(ctx, characterID); err != nil {
		e.logger.Warn("failed to invalidate scene status", "character_id", characterID, "error", err)
	}
	e.logger.Info("history cleared", "character_id", characterID)
	return nil
}

// DeleteCharacter removes a character and everything derived from it.
func (e *NarrativeEngine) DeleteCharacter(ctx context.Context, characterID string) error {
	if _, err := e.character(ctx, characterID); err != nil {
		return err
	}
	release, err := e.gate.Enter(ctx, characterID)
	if err != nil {
		return err
	}
	defer release()

	steps := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"turns", e.deps.Turns.Clear},
		{"favor", e.deps.Relationship.Delete},
		{"scene status", e.deps.Snapshots.Invalidate},
		{"messages", e.deps.Sync.Delete},
		{"requests", e.deps.Requests.DeleteByCharacter},
		{"character", e.deps.Characters.Delete},
	}
	for _, step := range steps {
		if err := step.run(ctx, characterID); err != nil {
			return fmt.Errorf("failed to delete %s: %w", step.name, err)
		}
	}
	e.logger.Info("character deleted", "character_id", characterID)
	return nil
}

func (e *NarrativeEngine) character(ctx context.Context, characterID string) (*models.Character, error) {
	c, err := e.deps.Characters.Get(ctx, characterID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCharacterNotFound
	}
	return c, err
}
