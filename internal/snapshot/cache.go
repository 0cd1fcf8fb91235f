// Package snapshot caches the derived scene status of each character,
// keyed by a fingerprint of the transcript.
package snapshot

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"Xinyu/server/internal/interfaces"
	"Xinyu/server/internal/logging"
	"Xinyu/server/internal/models"
	"Xinyu/server/internal/prompts"
	"Xinyu/server/internal/storage"
)

var errUnparsable = errors.New("unparsable scene status")

// selfReferences are names the model uses for the player.
var selfReferences = map[string]bool{
	"我": true, "玩家": true, "用户": true, "你": true, "主角": true,
	"player": true, "user": true, "you": true, "me": true,
}

// Snapshot is the scene status served to callers. Stale marks a previous
// payload returned because regeneration failed.
type Snapshot struct {
	CharacterID string               `json:"character_id"`
	Fingerprint string               `json:"fingerprint"`
	Statuses    []models.SceneStatus `json:"statuses"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Stale       bool                 `json:"stale"`
}

// CacheStats holds statistics about cache performance.
type CacheStats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Failures int64   `json:"failures"`
	HitRate  float64 `json:"hit_rate"`
}

type Cache struct {
	gen          interfaces.Generator
	turns        *storage.TurnStore
	entries      *storage.SnapshotStore
	characters   *storage.CharacterStore
	players      *storage.PlayerStore
	templates    *prompts.TemplateEngine
	contextTurns int
	logger       *slog.Logger
	now          func() time.Time

	group singleflight.Group

	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

type Option func(*Cache)

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = logging.OrDiscard(l).With("component", "snapshot") }
}

func WithTemplates(t *prompts.TemplateEngine) Option {
	return func(c *Cache) { c.templates = t }
}

// WithContextTurns sets how many trailing turns go into the prompt.
func WithContextTurns(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.contextTurns = n
		}
	}
}

func NewCache(gen interfaces.Generator, turns *storage.TurnStore, entries *storage.SnapshotStore,
	characters *storage.CharacterStore, players *storage.PlayerStore, opts ...Option) *Cache {
	c := &Cache{
		gen:          gen,
		turns:        turns,
		entries:      entries,
		characters:   characters,
		players:      players,
		templates:    prompts.NewTemplateEngine(),
		contextTurns: 6,
		logger:       logging.Discard(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fingerprint identifies a transcript state by its length and last text.
func Fingerprint(turnCount int, lastText string) string {
	sum := md5.Sum([]byte(strconv.Itoa(turnCount) + ":" + lastText))
	return hex.EncodeToString(sum[:])
}

type inputs struct {
	turns     []models.Turn
	previous  *models.SnapshotEntry
	character *models.Character
	player    *models.PlayerIdentity
}

func (c *Cache) load(ctx context.Context, characterID string) (*inputs, error) {
	in := &inputs{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		turns, err := c.turns.List(gctx, characterID)
		in.turns = turns
		return err
	})
	g.Go(func() error {
		entry, err := c.entries.Get(gctx, characterID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		in.previous = entry
		return err
	})
	g.Go(func() error {
		character, err := c.characters.Get(gctx, characterID)
		in.character = character
		return err
	})
	g.Go(func() error {
		player, err := c.players.Get(gctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		in.player = player
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

// Status returns the scene status for the current transcript. A matching
// fingerprint is served without a generation call; concurrent misses for
// the same fingerprint share one call.
func (c *Cache) Status(ctx context.Context, characterID string) (*Snapshot, error) {
	in, err := c.load(ctx, characterID)
	if err != nil {
		return nil, err
	}

	var last string
	if n := len(in.turns); n > 0 {
		last = in.turns[n-1].Text
	}
	fp := Fingerprint(len(in.turns), last)

	if in.previous != nil && in.previous.Fingerprint == fp {
		c.hits.Inc()
		return fromEntry(characterID, in.previous, false), nil
	}
	c.misses.Inc()

	if len(in.turns) == 0 {
		return &Snapshot{CharacterID: characterID, Fingerprint: fp, Statuses: []models.SceneStatus{}}, nil
	}

	v, err, shared := c.group.Do(characterID+":"+fp, func() (interface{}, error) {
		return c.compute(ctx, characterID, fp, in)
	})
	if err != nil {
		c.failures.Inc()
		if in.previous != nil {
			c.logger.Warn("scene status regeneration failed, serving stale", "character_id", characterID, "error", err)
			return fromEntry(characterID, in.previous, true), nil
		}
		return nil, err
	}
	if shared {
		c.logger.Debug("scene status shared", "character_id", characterID)
	}
	return fromEntry(characterID, v.(*models.SnapshotEntry), false), nil
}

func (c *Cache) compute(ctx context.Context, characterID, fp string, in *inputs) (*models.SnapshotEntry, error) {
	recent := in.turns
	if len(recent) > c.contextTurns {
		recent = recent[len(recent)-c.contextTurns:]
	}

	var previousStatuses []models.SceneStatus
	if in.previous != nil {
		previousStatuses = in.previous.Statuses
	}

	prompt := c.templates.MustRender(prompts.TemplateSceneStatus, prompts.Vars{
		"character_name":    prompts.CharacterName(in.character),
		"player_name":       prompts.PlayerName(in.player),
		"transcript":        prompts.RenderTranscript(recent, prompts.PlayerName(in.player)),
		"previous_schedule": renderSchedules(previousStatuses),
	})
	reply, err := c.gen.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate scene status: %w", err)
	}

	statuses, err := parseStatuses(reply)
	if err != nil {
		return nil, err
	}
	statuses = filterPlayer(statuses, in.player)
	statuses = reconcileSchedules(previousStatuses, statuses, recent)

	entry := &models.SnapshotEntry{Fingerprint: fp, Statuses: statuses, UpdatedAt: c.now()}
	if err := c.entries.Put(ctx, characterID, entry); err != nil {
		return nil, fmt.Errorf("failed to save scene status: %w", err)
	}
	c.logger.Debug("scene status regenerated", "character_id", characterID, "statuses", len(statuses))
	return entry, nil
}

// Invalidate drops the cached entry of characterID.
func (c *Cache) Invalidate(ctx context.Context, characterID string) error {
	return c.entries.Delete(ctx, characterID)
}

func (c *Cache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := CacheStats{Hits: hits, Misses: misses, Failures: c.failures.Load()}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func fromEntry(characterID string, e *models.SnapshotEntry, stale bool) *Snapshot {
	statuses := e.Statuses
	if statuses == nil {
		statuses = []models.SceneStatus{}
	}
	return &Snapshot{
		CharacterID: characterID,
		Fingerprint: e.Fingerprint,
		Statuses:    statuses,
		UpdatedAt:   e.UpdatedAt,
		Stale:       stale,
	}
}

// parseStatuses reads the outermost JSON array of reply.
func parseStatuses(reply string) ([]models.SceneStatus, error) {
	start, end := strings.Index(reply, "["), strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no array in %q", errUnparsable, reply)
	}
	var statuses []models.SceneStatus
	if err := json.Unmarshal([]byte(reply[start:end+1]), &statuses); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnparsable, err)
	}
	return statuses, nil
}

func filterPlayer(statuses []models.SceneStatus, player *models.PlayerIdentity) []models.SceneStatus {
	playerName := ""
	if player != nil {
		playerName = normalizeName(player.Name)
	}
	kept := make([]models.SceneStatus, 0, len(statuses))
	for _, s := range statuses {
		name := normalizeName(s.Name)
		if name == "" || selfReferences[name] || (playerName != "" && name == playerName) {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func renderSchedules(statuses []models.SceneStatus) string {
	var lines []string
	for _, s := range statuses {
		if len(s.Schedule) > 0 {
			lines = append(lines, s.Name+"："+strings.Join(s.Schedule, "；"))
		}
	}
	if len(lines) == 0 {
		return "无"
	}
	return strings.Join(lines, "\n")
}
