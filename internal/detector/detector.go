// Package detector finds social actions embedded in generated narration:
// messages sent over chat channels and the outcome of pending requests.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/text/width"

	"Xinyu/server/internal/events"
	"Xinyu/server/internal/logging"
	"Xinyu/server/internal/models"
	"Xinyu/server/internal/storage"
)

// Result of scanning one text. A heuristic miss is an empty Result.
type Result struct {
	Messages  []string `json:"messages,omitempty"`
	Outcome   Outcome  `json:"outcome"`
	Rule      string   `json:"rule,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

type Detector struct {
	channelRules []ChannelRule
	outcomeRules []OutcomeRule
	requests     storage.RequestStore
	publisher    events.Publisher
	logger       *slog.Logger
}

type Option func(*Detector)

// WithChannelRules replaces the message extraction rules.
func WithChannelRules(rules ...ChannelRule) Option {
	return func(d *Detector) { d.channelRules = rules }
}

// WithOutcomeRules replaces the classification rules.
func WithOutcomeRules(rules ...OutcomeRule) Option {
	return func(d *Detector) { d.outcomeRules = rules }
}

func WithPublisher(p events.Publisher) Option {
	return func(d *Detector) { d.publisher = events.OrNop(p) }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = logging.OrDiscard(l).With("component", "detector") }
}

// New creates a detector. requests may be nil when only Scan is used.
func New(requests storage.RequestStore, opts ...Option) *Detector {
	d := &Detector{
		channelRules: DefaultChannelRules(),
		outcomeRules: DefaultOutcomeRules(),
		requests:     requests,
		publisher:    events.Nop,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan extracts messages and classifies text. It has no side effects.
func (d *Detector) Scan(text string) Result {
	outcome, rule := d.Classify(text)
	return Result{
		Messages: d.ExtractMessages(text),
		Outcome:  outcome,
		Rule:     rule,
	}
}

// ExtractMessages returns channel messages in order of appearance, each
// at most once.
func (d *Detector) ExtractMessages(text string) []string {
	type hit struct {
		pos int
		msg string
	}
	var hits []hit
	for _, rule := range d.channelRules {
		for _, m := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
			if len(m) < 4 || m[2] < 0 {
				continue
			}
			hits = append(hits, hit{pos: m[2], msg: strings.TrimSpace(text[m[2]:m[3]])})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]bool, len(hits))
	var msgs []string
	for _, h := range hits {
		if h.msg == "" || seen[h.msg] {
			continue
		}
		seen[h.msg] = true
		msgs = append(msgs, h.msg)
	}
	return msgs
}

// Classify reports whether text accepts or rejects a request. Rejection
// wins when both match.
func (d *Detector) Classify(text string) (Outcome, string) {
	folded := Normalize(text)

	outcome, name := OutcomeNone, ""
	for _, rule := range d.outcomeRules {
		if !rule.Pattern.MatchString(folded) {
			continue
		}
		if rule.Outcome == OutcomeRejected {
			return OutcomeRejected, rule.Name
		}
		if outcome == OutcomeNone {
			outcome, name = rule.Outcome, rule.Name
		}
	}
	return outcome, name
}

// Normalize folds full-width characters and lower-cases text.
func Normalize(text string) string {
	return strings.ToLower(width.Fold.String(text))
}

// Process scans text produced for characterID and resolves the oldest
// pending request when an outcome is found.
func (d *Detector) Process(ctx context.Context, characterID, text string) (Result, error) {
	res := d.Scan(text)
	if res.Outcome == OutcomeNone || d.requests == nil {
		return res, nil
	}

	pending, err := d.requests.List(ctx, storage.RequestFilter{CharacterID: characterID, Status: models.RequestPending})
	if err != nil {
		return res, fmt.Errorf("failed to list pending requests: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return d.resolve(ctx, pending[0], res)
}

// ProcessRequest is Process for one specific request, used when the text
// was generated in response to it.
func (d *Detector) ProcessRequest(ctx context.Context, requestID, text string) (Result, error) {
	res := d.Scan(text)
	if res.Outcome == OutcomeNone || d.requests == nil {
		return res, nil
	}

	req, err := d.requests.Get(ctx, requestID)
	if err != nil {
		return res, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	if req.Status != models.RequestPending {
		return res, nil
	}
	return d.resolve(ctx, *req, res)
}

func (d *Detector) resolve(ctx context.Context, req models.SocialActionRequest, res Result) (Result, error) {
	status := models.RequestAccepted
	if res.Outcome == OutcomeRejected {
		status = models.RequestRejected
	}
	if _, err := d.requests.Transition(ctx, req.ID, status); err != nil {
		if errors.Is(err, storage.ErrRequestResolved) {
			d.logger.Info("request resolved concurrently", "request_id", req.ID)
			return res, nil
		}
		return res, fmt.Errorf("failed to resolve request %s: %w", req.ID, err)
	}
	res.RequestID = req.ID

	d.logger.Info("social request resolved", "character_id", req.CharacterID, "request_id", req.ID, "outcome", res.Outcome, "rule", res.Rule)
	if status == models.RequestAccepted {
		d.publisher.Publish(events.SocialAccepted(req.CharacterID, req.ID))
	} else {
		d.publisher.Publish(events.SocialRejected(req.CharacterID, req.ID))
	}
	return res, nil
}
