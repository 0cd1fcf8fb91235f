package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"Xinyu/server/internal/detector"
	"Xinyu/server/internal/events"
	"Xinyu/server/internal/infra"
	"Xinyu/server/internal/interfaces"
	"Xinyu/server/internal/models"
	"Xinyu/server/internal/prompts"
	"Xinyu/server/internal/relationship"
	"Xinyu/server/internal/snapshot"
	"Xinyu/server/internal/storage"
	"Xinyu/server/internal/synchronizer"
)

// fakeGenerator answers secondary prompts by marker and everything else
// with narrative.
type fakeGenerator struct {
	mu        sync.Mutex
	narrative []string
	err       error
	prompts   []string
	block     chan struct{}

	// scoring, when set, holds delta prompts until closed; scoringStarted
	// is closed by the first one.
	scoring        chan struct{}
	scoringStarted chan struct{}
	scoringOnce    sync.Once
}

func (g *fakeGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "在故事开始时"):
		return "50", nil
	case strings.Contains(prompt, "关系评估器"):
		if g.scoring != nil {
			g.scoringOnce.Do(func() { close(g.scoringStarted) })
			select {
			case <-g.scoring:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return `{"delta": 2, "reason": "愉快"}`, nil
	case strings.Contains(prompt, "从角色视角描述"):
		return "对你越来越好奇", nil
	}

	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if len(g.narrative) == 0 {
		return "小明笑了笑。", nil
	}
	text := g.narrative[0]
	g.narrative = g.narrative[1:]
	return text, nil
}

func (g *fakeGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

type harness struct {
	engine   *NarrativeEngine
	gen      *fakeGenerator
	bus      *events.Bus
	queue    *infra.TaskQueue
	turns    *storage.TurnStore
	favor    *storage.FavorStore
	requests *storage.KVRequestStore
	sync     *synchronizer.Synchronizer
	messages *storage.MessageStore
}

func newHarness(t *testing.T, gen *fakeGenerator, opts Options) *harness {
	t.Helper()
	return newHarnessWithKV(t, gen, opts, storage.NewMemoryKV())
}

func newHarnessWithKV(t *testing.T, gen *fakeGenerator, opts Options, kv storage.KV) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		gen:      gen,
		bus:      events.NewBus(nil, 64),
		queue:    infra.NewTaskQueue(2, 32, nil),
		turns:    storage.NewTurnStore(kv),
		favor:    storage.NewFavorStore(kv),
		requests: storage.NewKVRequestStore(kv),
		messages: storage.NewMessageStore(kv),
	}
	h.queue.Start(ctx)

	characters := storage.NewCharacterStore(kv)
	players := storage.NewPlayerStore(kv)
	if err := characters.Put(ctx, &models.Character{ID: "c1", Name: "小明"}); err != nil {
		t.Fatal(err)
	}
	if err := players.Put(ctx, &models.PlayerIdentity{Name: "阿青"}); err != nil {
		t.Fatal(err)
	}

	var g interfaces.Generator = gen
	det := detector.New(h.requests, detector.WithPublisher(h.bus))
	h.sync = synchronizer.New(det, h.turns, h.messages, storage.NewContactStore(kv), h.requests)
	h.sync.Start(h.bus)

	h.engine = NewNarrativeEngine(Deps{
		Generator:    g,
		Assembler:    prompts.NewAssembler(nil),
		Characters:   characters,
		Players:      players,
		Turns:        h.turns,
		Requests:     h.requests,
		Relationship: relationship.NewEngine(g, h.favor, nil, relationship.WithPublisher(h.bus)),
		Detector:     det,
		Snapshots:    snapshot.NewCache(g, h.turns, storage.NewSnapshotStore(kv), characters, players),
		Sync:         h.sync,
		Publisher:    h.bus,
		Queue:        h.queue,
	}, opts)

	t.Cleanup(func() {
		h.queue.Stop()
		h.bus.Close()
		cancel()
	})
	return h
}

// settle waits for queued jobs and bus deliveries.
func (h *harness) settle() {
	h.engine.Drain()
	time.Sleep(20 * time.Millisecond)
}

func TestSubmitTurnPipeline(t *testing.T) {
	gen := &fakeGenerator{narrative: []string{`小明在微信上发送："在吗"`}}
	h := newHarness(t, gen, Options{})
	ctx := context.Background()

	res, err := h.engine.SubmitTurn(ctx, "c1", "  你好  ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.TurnCount != 2 || res.PlayerTurn.Text != "你好" || res.PlayerTurn.Kind != models.KindSpeech {
		t.Errorf("result = %+v", res)
	}
	if res.NarratorTurn.From != models.SpeakerNarrator || res.NarratorTurn.Kind != models.KindNarration {
		t.Errorf("narrator turn = %+v", res.NarratorTurn)
	}

	prompt := gen.lastPrompt()
	if !strings.Contains(prompt, "[玩家·对白] 阿青：你好") {
		t.Errorf("prompt lacks player turn:\n%s", prompt)
	}
	if !strings.Contains(prompt, "关系阶段：熟悉的人") {
		t.Errorf("prompt lacks relationship stage:\n%s", prompt)
	}

	h.settle()

	state, err := h.favor.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Value != 52 || state.Descriptor != "对你越来越好奇" {
		t.Errorf("favor = %+v", state)
	}

	msgs, _ := h.messages.List(ctx, "c1")
	if len(msgs) != 1 || msgs[0].Text != "在吗" {
		t.Errorf("synced messages = %+v", msgs)
	}
}

func TestSubmitTurnGenerationFailureKeepsPlayerTurn(t *testing.T) {
	genErr := &GenerationError{Kind: FailureTransport, Err: errors.New("connection reset")}
	gen := &fakeGenerator{err: genErr}
	h := newHarness(t, gen, Options{})
	ctx := context.Background()

	_, err := h.engine.SubmitTurn(ctx, "c1", "*推门而入*")
	if !IsTransport(err) {
		t.Fatalf("err = %v, want transport failure", err)
	}

	turns, _ := h.turns.List(ctx, "c1")
	if len(turns) != 1 || turns[0].Kind != models.KindNarration {
		t.Fatalf("turns = %+v", turns)
	}

	gen.mu.Lock()
	gen.err = nil
	gen.mu.Unlock()
	res, err := h.engine.Regenerate(ctx, "c1")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if res.TurnCount != 2 || res.PlayerTurn != nil {
		t.Errorf("regenerate result = %+v", res)
	}
}

func TestSubmitTurnValidation(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	ctx := context.Background()

	if _, err := h.engine.SubmitTurn(ctx, "c1", "   "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("empty input err = %v", err)
	}
	if _, err := h.engine.SubmitTurn(ctx, "ghost", "hi"); !errors.Is(err, ErrCharacterNotFound) {
		t.Errorf("unknown character err = %v", err)
	}
}

func TestOneGenerationPerCharacter(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{})}
	h := newHarness(t, gen, Options{RejectWhenBusy: true})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SubmitTurn(ctx, "c1", "第一句")
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !h.engine.IsGenerating("c1") {
		if time.Now().After(deadline) {
			t.Fatal("first generation never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := h.engine.SubmitTurn(ctx, "c1", "第二句"); !errors.Is(err, ErrGenerationInProgress) {
		t.Errorf("concurrent submit err = %v", err)
	}

	close(gen.block)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if h.engine.IsGenerating("c1") {
		t.Error("gate not released")
	}
}

func TestBlockingGateSerializesSubmissions(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.SubmitTurn(ctx, "c1", "你好"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	turns, _ := h.turns.List(ctx, "c1")
	if len(turns) != 8 {
		t.Fatalf("turns = %d, want 8", len(turns))
	}
	for i, turn := range turns {
		want := models.SpeakerPlayer
		if i%2 == 1 {
			want = models.SpeakerNarrator
		}
		if turn.From != want {
			t.Fatalf("turn %d from %s, want %s: submissions interleaved", i, turn.From, want)
		}
	}
}

func TestRespondToRequest(t *testing.T) {
	gen := &fakeGenerator{narrative: []string{"小明看着验证消息，笑着通过了你的好友申请。"}}
	h := newHarness(t, gen, Options{})
	ctx := context.Background()

	req := &models.SocialActionRequest{
		CharacterID: "c1",
		Greeting:    "我是昨天咖啡店的客人",
		MaskedName:  "青",
		Tags:        []string{"secret-tag"},
	}
	if err := h.requests.Create(ctx, req); err != nil {
		t.Fatal(err)
	}

	if _, err := h.engine.RespondToRequest(ctx, req.ID); err != nil {
		t.Fatalf("respond: %v", err)
	}
	prompt := gen.lastPrompt()
	if !strings.Contains(prompt, "我是昨天咖啡店的客人") || strings.Contains(prompt, "secret-tag") {
		t.Errorf("request prompt:\n%s", prompt)
	}

	h.settle()

	got, _ := h.requests.Get(ctx, req.ID)
	if got.Status != models.RequestAccepted {
		t.Fatalf("status = %s", got.Status)
	}
	contacts, _ := h.sync.Contacts(ctx)
	if len(contacts) != 1 || contacts[0].RequestID != req.ID {
		t.Errorf("contacts = %+v", contacts)
	}

	if _, err := h.engine.RespondToRequest(ctx, req.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Errorf("second respond err = %v", err)
	}
}

func TestDeleteCharacterCascades(t *testing.T) {
	gen := &fakeGenerator{narrative: []string{`微信："在吗"`}}
	h := newHarness(t, gen, Options{})
	ctx := context.Background()

	if _, err := h.engine.SubmitTurn(ctx, "c1", "你好"); err != nil {
		t.Fatal(err)
	}
	if err := h.requests.Create(ctx, &models.SocialActionRequest{CharacterID: "c1"}); err != nil {
		t.Fatal(err)
	}
	h.settle()

	if err := h.engine.DeleteCharacter(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if turns, _ := h.turns.List(ctx, "c1"); len(turns) != 0 {
		t.Errorf("turns left: %d", len(turns))
	}
	if _, err := h.favor.Get(ctx, "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("favor left: %v", err)
	}
	if msgs, _ := h.messages.List(ctx, "c1"); len(msgs) != 0 {
		t.Errorf("messages left: %+v", msgs)
	}
	if reqs, _ := h.requests.List(ctx, storage.RequestFilter{CharacterID: "c1"}); len(reqs) != 0 {
		t.Errorf("requests left: %+v", reqs)
	}
	if err := h.engine.DeleteCharacter(ctx, "c1"); !errors.Is(err, ErrCharacterNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestFavorViewAndClearHistory(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, Options{})
	ctx := context.Background()

	view, err := h.engine.Favor(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if view.Value != 50 || view.Stage != "familiar" || view.Descriptor == "" {
		t.Errorf("favor view = %+v", view)
	}

	if _, err := h.engine.SubmitTurn(ctx, "c1", "你好"); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.ClearHistory(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	turns, err := h.engine.Transcript(ctx, "c1")
	if err != nil || len(turns) != 0 {
		t.Errorf("transcript after clear = %+v, %v", turns, err)
	}
}

func TestClassifyInput(t *testing.T) {
	tests := []struct {
		in   string
		want models.TurnKind
	}{
		{"你好", models.KindSpeech},
		{"*推门而入*", models.KindNarration},
		{"（叹了口气）", models.KindNarration},
		{"(waves)", models.KindNarration},
		{"**", models.KindSpeech},
		{"*只有开头", models.KindSpeech},
		{" (点头)  ", models.KindNarration},
	}
	for _, tt := range tests {
		if got := ClassifyInput(tt.in); got != tt.want {
			t.Errorf("ClassifyInput(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPendingScoringDoesNotBlockNextTurn(t *testing.T) {
	gen := &fakeGenerator{scoring: make(chan struct{}), scoringStarted: make(chan struct{})}
	h := newHarness(t, gen, Options{})
	t.Cleanup(func() { close(gen.scoring) })
	ctx := context.Background()

	if _, err := h.engine.SubmitTurn(ctx, "c1", "你好"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gen.scoringStarted:
	case <-time.After(time.Second):
		t.Fatal("scoring never started")
	}

	quick, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	res, err := h.engine.SubmitTurn(quick, "c1", "还在吗")
	if err != nil {
		t.Fatalf("second turn waited on scoring: %v", err)
	}
	if res.TurnCount != 4 {
		t.Errorf("turn count = %d, want 4", res.TurnCount)
	}
}

func TestCancelledCallerStillAppendsCompletion(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), narrative: []string{"小明点了点头。"}}
	h := newHarness(t, gen, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SubmitTurn(ctx, "c1", "你好")
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !h.engine.IsGenerating("c1") {
		if time.Now().After(deadline) {
			t.Fatal("generation never started")
		}
		time.Sleep(time.Millisecond)
	}
	// let the player turn land before the caller goes away
	for {
		if n, _ := h.turns.Count(context.Background(), "c1"); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("player turn never appended")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	close(gen.block)
	if err := <-done; err != nil {
		t.Fatalf("submit: %v", err)
	}

	turns, _ := h.turns.List(context.Background(), "c1")
	if len(turns) != 2 || turns[1].Text != "小明点了点头。" {
		t.Fatalf("turns = %+v", turns)
	}
}

// brokenFavorKV fails every read of favor state.
type brokenFavorKV struct {
	storage.KV
}

func (k brokenFavorKV) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.HasPrefix(key, "favor:") {
		return nil, errors.New("disk failure")
	}
	return k.KV.Get(ctx, key)
}

func TestFavorStorageFailureDoesNotAbortTurn(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarnessWithKV(t, gen, Options{}, brokenFavorKV{KV: storage.NewMemoryKV()})
	ctx := context.Background()

	res, err := h.engine.SubmitTurn(ctx, "c1", "你好")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.TurnCount != 2 {
		t.Errorf("turn count = %d", res.TurnCount)
	}
	if !strings.Contains(gen.lastPrompt(), "关系阶段：陌生人") {
		t.Errorf("prompt not built from a zero state:\n%s", gen.lastPrompt())
	}
}
