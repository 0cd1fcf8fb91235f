package relationship

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"Xinyu/server/internal/events"
	"Xinyu/server/internal/interfaces"
	"Xinyu/server/internal/models"
	"Xinyu/server/internal/storage"
)

// countingKV counts writes to the wrapped KV.
type countingKV struct {
	storage.KV
	mu   sync.Mutex
	sets int
}

func (c *countingKV) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.KV.Set(ctx, key, value)
}

func (c *countingKV) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

// scriptedGenerator answers by prompt template, identified by a marker.
type scriptedGenerator struct {
	mu      sync.Mutex
	calls   int
	replies map[string]string
	err     error
}

func (g *scriptedGenerator) Complete(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	for marker, reply := range g.replies {
		if strings.Contains(prompt, marker) {
			return reply, nil
		}
	}
	return "", nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

const (
	markerInitial    = "在故事开始时"
	markerDelta      = "关系评估器"
	markerDescriptor = "从角色视角描述"
)

var xiaoming = &models.Character{ID: "c1", Name: "小明"}

func newTestEngine(gen interfaces.Generator, opts ...Option) (*Engine, *countingKV) {
	kv := &countingKV{KV: storage.NewMemoryKV()}
	return NewEngine(gen, storage.NewFavorStore(kv), nil, opts...), kv
}

func TestInitializeFavorFailureDefaultsToZero(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("connection refused")}
	eng, _ := newTestEngine(gen)

	state, err := eng.InitializeFavor(context.Background(), xiaoming, nil)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if state.Value != 0 || StageOf(state.Value) != StageStranger {
		t.Errorf("value = %d, want 0 (stranger)", state.Value)
	}
	if len(state.History) != 1 || state.History[0].Reason != "initial" {
		t.Errorf("history = %+v", state.History)
	}

	stored, err := eng.State(context.Background(), "c1")
	if err != nil || stored.Value != 0 {
		t.Errorf("state not persisted: %+v, %v", stored, err)
	}
}

func TestInitializeFavorParsesAndClamps(t *testing.T) {
	tests := []struct {
		reply string
		want  int
	}{
		{"65", 65},
		{"好感度：72分", 72},
		{"150", 100},
		{"不知道", 0},
	}
	for _, tt := range tests {
		gen := &scriptedGenerator{replies: map[string]string{markerInitial: tt.reply}}
		eng, _ := newTestEngine(gen)
		state, err := eng.InitializeFavor(context.Background(), xiaoming, &models.PlayerIdentity{Name: "阿青"})
		if err != nil {
			t.Fatalf("%q: %v", tt.reply, err)
		}
		if state.Value != tt.want {
			t.Errorf("%q: value = %d, want %d", tt.reply, state.Value, tt.want)
		}
	}
}

func TestInitializeFavorIsIdempotent(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{markerInitial: "30"}}
	eng, kv := newTestEngine(gen)
	ctx := context.Background()

	first, err := eng.InitializeFavor(ctx, xiaoming, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	writes, calls := kv.writes(), gen.calls

	second, err := eng.InitializeFavor(ctx, xiaoming, nil)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if kv.writes() != writes {
		t.Errorf("second call wrote %d times", kv.writes()-writes)
	}
	if gen.calls != calls {
		t.Error("second call reached the generator")
	}
	if second.Value != first.Value || len(second.History) != 1 {
		t.Errorf("state changed: %+v", second)
	}
}

func TestApplyExchangeAppliesDelta(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		markerDelta: `评估结果：{"delta": 3, "reason": "聊得很开心"}`,
	}}
	rec := &recorder{}
	eng, _ := newTestEngine(gen, WithPublisher(rec))
	ctx := context.Background()

	if err := eng.store.Put(ctx, "c1", &models.FavorState{Value: 50}); err != nil {
		t.Fatal(err)
	}

	state, err := eng.ApplyExchange(ctx, xiaoming, "今天天气真好", "小明笑了笑。")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if state.Value != 53 {
		t.Errorf("value = %d, want 53", state.Value)
	}
	last := state.History[len(state.History)-1]
	if last.Delta != 3 || last.Value != 53 || last.Reason != "聊得很开心" {
		t.Errorf("history record = %+v", last)
	}
	if len(rec.events) != 1 || rec.events[0].Topic != events.TopicFavorUpdated || *rec.events[0].Value != 53 {
		t.Errorf("events = %+v", rec.events)
	}
}

func TestApplyExchangeClampsAndSkipsZero(t *testing.T) {
	tests := []struct {
		name        string
		start       int
		reply       string
		want        int
		wantHistory int
	}{
		{"bounded delta", 50, `{"delta": 40}`, 55, 1},
		{"upper clamp", 98, "+5", 100, 1},
		{"lower clamp", 1, "-5", 0, 1},
		{"zero delta", 30, `{"delta": 0, "reason": "平淡"}`, 30, 0},
		{"at ceiling", 100, "3", 100, 1},
		{"unparsable", 30, "无法判断", 30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{replies: map[string]string{markerDelta: tt.reply}}
			eng, _ := newTestEngine(gen)
			ctx := context.Background()
			if err := eng.store.Put(ctx, "c1", &models.FavorState{Value: tt.start}); err != nil {
				t.Fatal(err)
			}

			state, err := eng.ApplyExchange(ctx, xiaoming, "x", "y")
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if state.Value != tt.want {
				t.Errorf("value = %d, want %d", state.Value, tt.want)
			}
			if len(state.History) != tt.wantHistory {
				t.Errorf("history len = %d, want %d", len(state.History), tt.wantHistory)
			}
		})
	}
}

func TestApplyExchangeTrimsHistory(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{markerDelta: "1"}}
	eng, _ := newTestEngine(gen, WithHistoryLimit(3))
	ctx := context.Background()
	if err := eng.store.Put(ctx, "c1", &models.FavorState{}); err != nil {
		t.Fatal(err)
	}

	var state *models.FavorState
	var err error
	for i := 0; i < 5; i++ {
		if state, err = eng.ApplyExchange(ctx, xiaoming, "x", "y"); err != nil {
			t.Fatal(err)
		}
	}
	if state.Value != 5 || len(state.History) != 3 {
		t.Fatalf("value = %d, history = %d", state.Value, len(state.History))
	}
	if state.History[0].Value != 3 {
		t.Errorf("oldest kept record = %+v, want value 3", state.History[0])
	}
}

func TestApplyExchangeGeneratorFailureLeavesState(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("timeout")}
	eng, kv := newTestEngine(gen)
	ctx := context.Background()
	if err := eng.store.Put(ctx, "c1", &models.FavorState{Value: 42}); err != nil {
		t.Fatal(err)
	}
	writes := kv.writes()

	state, err := eng.ApplyExchange(ctx, xiaoming, "x", "y")
	if err != nil {
		t.Fatalf("apply should swallow scoring failures: %v", err)
	}
	if state.Value != 42 || kv.writes() != writes {
		t.Errorf("state changed after failure: %+v", state)
	}
}

func TestDescribeRelationship(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  string
	}{
		{"accepted", "“他对你有些好奇，却又不敢靠近”\n多余的行", nil, "他对你有些好奇，却又不敢靠近"},
		{"too short", "好", nil, CannedDescriptor(StageFamiliar)},
		{"too long", strings.Repeat("长", 41), nil, CannedDescriptor(StageFamiliar)},
		{"failure", "", errors.New("502"), CannedDescriptor(StageFamiliar)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{replies: map[string]string{markerDescriptor: tt.reply}, err: tt.err}
			eng, _ := newTestEngine(gen)
			ctx := context.Background()
			state := &models.FavorState{Value: 45}
			if err := eng.store.Put(ctx, "c1", state); err != nil {
				t.Fatal(err)
			}

			got := eng.DescribeRelationship(ctx, xiaoming, state, nil)
			if got != tt.want {
				t.Errorf("descriptor = %q, want %q", got, tt.want)
			}
			stored, _ := eng.State(ctx, "c1")
			if stored.Descriptor != tt.want || stored.DescriptorValue != 45 {
				t.Errorf("stored = %+v", stored)
			}
		})
	}
}

func TestStageBoundariesAndMonotonicity(t *testing.T) {
	boundaries := map[int]Stage{
		0: StageStranger, 20: StageStranger, 21: StageAcquaintance,
		40: StageAcquaintance, 41: StageFamiliar, 60: StageFamiliar,
		61: StageFriend, 80: StageFriend, 81: StageClose, 100: StageClose,
	}
	for v, want := range boundaries {
		if got := StageOf(v); got != want {
			t.Errorf("StageOf(%d) = %v, want %v", v, got, want)
		}
	}

	prev := StageOf(-10)
	for v := -10; v <= 110; v++ {
		s := StageOf(v)
		if s < prev {
			t.Fatalf("stage decreased at %d", v)
		}
		prev = s
	}
}

func TestClampRange(t *testing.T) {
	for v := -300; v <= 300; v += 7 {
		if c := Clamp(v); c < models.FavorMin || c > models.FavorMax {
			t.Fatalf("Clamp(%d) = %d", v, c)
		}
	}
}

func TestDispositionIgnoresDescriptorFromOtherStage(t *testing.T) {
	state := &models.FavorState{Value: 70, Descriptor: "还不太熟", DescriptorValue: 10}
	stage, text := Disposition(state)
	if stage != StageFriend || text != CannedDescriptor(StageFriend) {
		t.Errorf("Disposition = %v, %q", stage, text)
	}

	state.DescriptorValue = 65
	if _, text := Disposition(state); text != "还不太熟" {
		t.Errorf("descriptor for same stage not used: %q", text)
	}
}

func TestApplyExchangeWithoutStateIsSkipped(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{markerDelta: "3"}}
	eng, kv := newTestEngine(gen)

	state, err := eng.ApplyExchange(context.Background(), xiaoming, "x", "y")
	if err != nil || state != nil {
		t.Errorf("ApplyExchange = %+v, %v", state, err)
	}
	if kv.writes() != 0 || gen.calls != 0 {
		t.Errorf("writes = %d, calls = %d", kv.writes(), gen.calls)
	}
}

func TestApplyExchangeRecordsDeltaAtCeiling(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{markerDelta: `{"delta": 3, "reason": "很感动"}`}}
	rec := &recorder{}
	eng, _ := newTestEngine(gen, WithPublisher(rec))
	ctx := context.Background()
	if err := eng.store.Put(ctx, "c1", &models.FavorState{Value: 100}); err != nil {
		t.Fatal(err)
	}

	state, err := eng.ApplyExchange(ctx, xiaoming, "x", "y")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.History) != 1 {
		t.Fatalf("history = %+v", state.History)
	}
	if r := state.History[0]; r.Value != 100 || r.Delta != 0 || r.Reason != "很感动" {
		t.Errorf("record = %+v", r)
	}
	if len(rec.events) != 0 {
		t.Errorf("unchanged value published: %+v", rec.events)
	}
}

func TestParseDeltaBoundsBeforeConversion(t *testing.T) {
	tests := []struct {
		reply string
		want  int
	}{
		{`{"delta": 1e19}`, 5},
		{`{"delta": -1e300}`, -5},
		{`{"delta": 2.6}`, 3},
		{"99999999999999999999999", 5},
		{"-99999999999999999999999", -5},
	}
	for _, tt := range tests {
		d, err := parseDelta(tt.reply)
		if err != nil {
			t.Errorf("%q: %v", tt.reply, err)
			continue
		}
		if d.Value != tt.want {
			t.Errorf("%q: delta = %d, want %d", tt.reply, d.Value, tt.want)
		}
	}
}

// blockingGenerator holds delta prompts until release is closed.
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *blockingGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, markerDelta) {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "2", nil
	}
	return "40", nil
}

func TestScoringDoesNotHoldTheCharacterLock(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}), release: make(chan struct{})}
	eng, _ := newTestEngine(gen)
	ctx := context.Background()
	if _, err := eng.InitializeFavor(ctx, xiaoming, nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan *models.FavorState, 1)
	go func() {
		state, _ := eng.ApplyExchange(ctx, xiaoming, "x", "y")
		done <- state
	}()
	<-gen.started

	// a descriptor write lands while scoring is in flight
	if err := eng.storeDescriptor(ctx, "c1", "有点在意你", 40); err != nil {
		t.Fatal(err)
	}
	quick, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := eng.InitializeFavor(quick, xiaoming, nil); err != nil {
		t.Fatalf("initialize blocked by scoring: %v", err)
	}

	close(gen.release)
	state := <-done
	if state == nil || state.Value != 42 || state.Descriptor != "有点在意你" {
		t.Errorf("state after scoring = %+v", state)
	}
}
