package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/claude-army/internal/chat"
	"github.com/haasonsaas/claude-army/internal/observability"
	"github.com/haasonsaas/claude-army/internal/route"
	"github.com/haasonsaas/claude-army/internal/state"
	"github.com/haasonsaas/claude-army/internal/transcript"
)

type fakeTranscripts struct {
	res         transcript.Result
	results     map[string]bool
	toolUseMsgs map[string]bool
}

func newFakeTranscripts() *fakeTranscripts {
	return &fakeTranscripts{results: map[string]bool{}, toolUseMsgs: map[string]bool{}}
}

// Check hands out the staged result once, like a real watcher draining its
// accumulated events.
func (f *fakeTranscripts) Check() transcript.Result {
	r := f.res
	f.res = transcript.Result{}
	return r
}

func (f *fakeTranscripts) ResultSeen(path, toolID string) bool {
	return f.results[path+"|"+toolID]
}

func (f *fakeTranscripts) ToolUseMsgSeen(path, msgID string) bool {
	return f.toolUseMsgs[path+"|"+msgID]
}

type fakeRouter struct {
	dest   chat.Destination
	byPane map[string]chat.Destination
	err    error
	routed []string
}

func (f *fakeRouter) Route(_ context.Context, pane, _ string) (chat.Destination, error) {
	f.routed = append(f.routed, pane)
	if f.err != nil {
		return chat.Destination{}, f.err
	}
	if d, ok := f.byPane[pane]; ok {
		return d, nil
	}
	return f.dest, nil
}

type sentMsg struct {
	dest    chat.Destination
	text    string
	plain   bool
	buttons bool
}

type fakeChat struct {
	sendErr   error
	sent      []sentMsg
	deleted   []int
	finalized map[int]string
	typing    []chat.Destination
}

func newFakeChat() *fakeChat {
	return &fakeChat{finalized: map[int]string{}}
}

func (f *fakeChat) Send(_ context.Context, dest chat.Destination, text string, opts *chat.SendOptions) (int, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	m := sentMsg{dest: dest, text: text}
	if opts != nil {
		m.plain = opts.Plain
		m.buttons = opts.Markup != nil
	}
	f.sent = append(f.sent, m)
	return 1000 + len(f.sent), nil
}

func (f *fakeChat) Delete(_ context.Context, _ int64, messageID int) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeChat) FinalizeButtons(_ context.Context, _ int64, messageID int, label string) error {
	f.finalized[messageID] = label
	return nil
}

func (f *fakeChat) Typing(_ context.Context, dest chat.Destination) error {
	f.typing = append(f.typing, dest)
	return nil
}

const testGroupID int64 = -1001234

type fixture struct {
	orch   *Orchestrator
	tr     *fakeTranscripts
	router *fakeRouter
	chat   *fakeChat
	msgs   *state.MessageState
	cfg    *state.ConfigStore
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fixture{
		tr:     newFakeTranscripts(),
		router: &fakeRouter{dest: chat.Destination{ChatID: testGroupID, TopicID: 7}},
		chat:   newFakeChat(),
		msgs:   state.NewMessageState(filepath.Join(dir, "messages.json")),
		cfg:    state.NewConfigStore(filepath.Join(dir, "config.json")),
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := fx.cfg.SetGroup(testGroupID, chat.GeneralTopicID); err != nil {
		t.Fatalf("SetGroup: %v", err)
	}
	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	fx.orch = New(fx.cfg, fx.msgs, fx.tr, fx.router, fx.chat, log, metrics)
	fx.orch.now = func() time.Time { return fx.now }
	return fx
}

func (fx *fixture) advance(d time.Duration) {
	fx.now = fx.now.Add(d)
}

func (fx *fixture) put(t *testing.T, msgID int, e state.Entry) {
	t.Helper()
	if err := fx.msgs.Put(msgID, e); err != nil {
		t.Fatalf("Put(%d): %v", msgID, err)
	}
}

func TestTickAnnouncesPermissionPrompt(t *testing.T) {
	fx := newFixture(t)
	fx.tr.res.Tools = []transcript.PendingTool{{
		ToolUseID:      "toolu_01",
		ToolName:       "Bash",
		Input:          map[string]any{"command": "make test"},
		AssistantText:  "Running the tests.",
		Pane:           "%1",
		Cwd:            "/work/api",
		TranscriptPath: "/t/a.jsonl",
	}}

	fx.orch.Tick(context.Background())

	if len(fx.chat.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fx.chat.sent))
	}
	m := fx.chat.sent[0]
	if !m.buttons {
		t.Error("prompt sent without a keyboard")
	}
	if m.plain {
		t.Error("prompt sent plain, want markdown")
	}
	if want := (chat.Destination{ChatID: testGroupID, TopicID: 7}); m.dest != want {
		t.Errorf("dest = %+v, want %+v", m.dest, want)
	}
	if !strings.Contains(m.text, "make test") {
		t.Errorf("prompt text missing command: %q", m.text)
	}

	got, ok := fx.msgs.Get(1001)
	if !ok {
		t.Fatal("no entry recorded for sent prompt")
	}
	want := state.Entry{
		Kind:           state.KindPermission,
		Pane:           "%1",
		Cwd:            "/work/api",
		TranscriptPath: "/t/a.jsonl",
		NotifiedAt:     fx.now,
		ToolUseID:      "toolu_01",
		ToolName:       "Bash",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("entry = %+v, want %+v", got, want)
	}
}

func TestTickDropsEventsWhenRoutingFails(t *testing.T) {
	fx := newFixture(t)
	fx.router.err = route.ErrNotConfigured
	fx.tr.res = transcript.Result{
		Tools:       []transcript.PendingTool{{ToolUseID: "t1", ToolName: "Bash", Pane: "%1"}},
		Compactions: []transcript.Compaction{{Pane: "%1"}},
		Idles:       []transcript.Idle{{Text: "done", Pane: "%1"}},
		Activity:    []transcript.Activity{{Pane: "%1"}},
	}

	fx.orch.Tick(context.Background())

	if len(fx.chat.sent) != 0 || len(fx.chat.typing) != 0 {
		t.Errorf("sent=%d typing=%d, want none", len(fx.chat.sent), len(fx.chat.typing))
	}
	if n := len(fx.msgs.Entries()); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestTickSendFailureRecordsNothing(t *testing.T) {
	fx := newFixture(t)
	fx.chat.sendErr = errors.New("boom")
	fx.tr.res.Tools = []transcript.PendingTool{{ToolUseID: "t1", ToolName: "Bash", Pane: "%1"}}

	fx.orch.Tick(context.Background())

	if n := len(fx.msgs.Entries()); n != 0 {
		t.Errorf("entries = %d, want 0 after failed send", n)
	}
}

func TestTickCompaction(t *testing.T) {
	t.Run("with trigger and token count", func(t *testing.T) {
		fx := newFixture(t)
		fx.tr.res.Compactions = []transcript.Compaction{{
			Trigger: "auto", PreTokens: 155000, Pane: "%1", Cwd: "/w",
		}}

		fx.orch.Tick(context.Background())

		if len(fx.chat.sent) != 1 {
			t.Fatalf("sent %d messages, want 1", len(fx.chat.sent))
		}
		m := fx.chat.sent[0]
		if want := "🔄 Compacting context (auto)..., 155000 tokens"; m.text != want {
			t.Errorf("text = %q, want %q", m.text, want)
		}
		if !m.plain {
			t.Error("compaction notice not sent plain")
		}
		if m.buttons {
			t.Error("compaction notice has buttons")
		}
		if n := len(fx.msgs.Entries()); n != 0 {
			t.Errorf("entries = %d, compactions must not be tracked", n)
		}
	})

	t.Run("missing trigger defaults to auto", func(t *testing.T) {
		fx := newFixture(t)
		fx.tr.res.Compactions = []transcript.Compaction{{Pane: "%1", Cwd: "/w"}}

		fx.orch.Tick(context.Background())

		if len(fx.chat.sent) != 1 {
			t.Fatalf("sent %d messages, want 1", len(fx.chat.sent))
		}
		if want := "🔄 Compacting context (auto)..."; fx.chat.sent[0].text != want {
			t.Errorf("text = %q, want %q", fx.chat.sent[0].text, want)
		}
	})
}

func TestTickIdle(t *testing.T) {
	fx := newFixture(t)
	fx.tr.res.Idles = []transcript.Idle{{
		Text:           "All tests pass.",
		ClaudeMsgID:    "msg_9",
		Pane:           "%2",
		Cwd:            "/work/api",
		TranscriptPath: "/t/b.jsonl",
	}}

	fx.orch.Tick(context.Background())

	if len(fx.chat.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fx.chat.sent))
	}
	m := fx.chat.sent[0]
	if want := `All tests pass\.`; m.text != want {
		t.Errorf("text = %q, want escaped %q", m.text, want)
	}
	if m.plain || m.buttons {
		t.Errorf("plain=%v buttons=%v, want markdown and no buttons", m.plain, m.buttons)
	}

	got, ok := fx.msgs.Get(1001)
	if !ok {
		t.Fatal("no entry recorded for idle")
	}
	want := state.Entry{
		Kind:           state.KindIdle,
		Pane:           "%2",
		Cwd:            "/work/api",
		TranscriptPath: "/t/b.jsonl",
		NotifiedAt:     fx.now,
		ClaudeMsgID:    "msg_9",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("entry = %+v, want %+v", got, want)
	}
}

func TestTypingRateLimit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	act := []transcript.Activity{{Pane: "%1", Cwd: "/w"}}

	fx.tr.res.Activity = act
	fx.orch.Tick(ctx)
	if len(fx.chat.typing) != 1 {
		t.Fatalf("typing calls = %d, want 1", len(fx.chat.typing))
	}

	// Inside the floor: suppressed.
	fx.advance(time.Second)
	fx.tr.res.Activity = act
	fx.orch.Tick(ctx)
	if len(fx.chat.typing) != 1 {
		t.Fatalf("typing calls = %d after 1s, want still 1", len(fx.chat.typing))
	}

	// Past the floor: resent.
	fx.advance(4 * time.Second)
	fx.tr.res.Activity = act
	fx.orch.Tick(ctx)
	if len(fx.chat.typing) != 2 {
		t.Fatalf("typing calls = %d after 5s, want 2", len(fx.chat.typing))
	}
}

func TestTypingRateLimitPerDestination(t *testing.T) {
	fx := newFixture(t)
	fx.router.byPane = map[string]chat.Destination{
		"%1": {ChatID: testGroupID, TopicID: 7},
		"%2": {ChatID: testGroupID, TopicID: 8},
	}
	fx.tr.res.Activity = []transcript.Activity{
		{Pane: "%1", Cwd: "/a"},
		{Pane: "%2", Cwd: "/b"},
	}

	fx.orch.Tick(context.Background())

	if len(fx.chat.typing) != 2 {
		t.Fatalf("typing calls = %d, want one per destination", len(fx.chat.typing))
	}
}

func TestCompletionWindow(t *testing.T) {
	entry := func(notifiedAt time.Time) state.Entry {
		return state.Entry{
			Kind:           state.KindPermission,
			Pane:           "%1",
			Cwd:            "/w",
			TranscriptPath: "/t/a.jsonl",
			NotifiedAt:     notifiedAt,
			ToolUseID:      "toolu_01",
			ToolName:       "Bash",
		}
	}

	t.Run("quick completion deletes the prompt", func(t *testing.T) {
		fx := newFixture(t)
		fx.put(t, 500, entry(fx.now.Add(-time.Second)))
		fx.tr.results["/t/a.jsonl|toolu_01"] = true

		fx.orch.Tick(context.Background())

		if !reflect.DeepEqual(fx.chat.deleted, []int{500}) {
			t.Errorf("deleted = %v, want [500]", fx.chat.deleted)
		}
		if _, ok := fx.msgs.Get(500); ok {
			t.Error("entry still present after quick completion")
		}
		if len(fx.chat.finalized) != 0 {
			t.Errorf("finalized = %v, want none", fx.chat.finalized)
		}
	})

	t.Run("slow completion expires in place", func(t *testing.T) {
		fx := newFixture(t)
		fx.put(t, 500, entry(fx.now.Add(-10*time.Second)))
		fx.tr.results["/t/a.jsonl|toolu_01"] = true

		fx.orch.Tick(context.Background())

		if got := fx.chat.finalized[500]; got != LabelExpired {
			t.Errorf("finalized label = %q, want %q", got, LabelExpired)
		}
		if len(fx.chat.deleted) != 0 {
			t.Errorf("deleted = %v, want none", fx.chat.deleted)
		}
		e, ok := fx.msgs.Get(500)
		if !ok || !e.Handled {
			t.Errorf("entry handled = %v (present %v), want true", e.Handled, ok)
		}
	})

	t.Run("exactly at the window expires", func(t *testing.T) {
		fx := newFixture(t)
		fx.put(t, 500, entry(fx.now.Add(-quickWindow)))
		fx.tr.results["/t/a.jsonl|toolu_01"] = true

		fx.orch.Tick(context.Background())

		if got := fx.chat.finalized[500]; got != LabelExpired {
			t.Errorf("finalized label = %q, want %q", got, LabelExpired)
		}
	})

	t.Run("handled entries are left alone", func(t *testing.T) {
		fx := newFixture(t)
		e := entry(fx.now.Add(-time.Second))
		e.Handled = true
		fx.put(t, 500, e)
		fx.tr.results["/t/a.jsonl|toolu_01"] = true

		fx.orch.Tick(context.Background())

		if len(fx.chat.deleted) != 0 || len(fx.chat.finalized) != 0 {
			t.Errorf("deleted=%v finalized=%v, want untouched", fx.chat.deleted, fx.chat.finalized)
		}
	})

	t.Run("no result means no action", func(t *testing.T) {
		fx := newFixture(t)
		fx.put(t, 500, entry(fx.now.Add(-10*time.Second)))

		fx.orch.Tick(context.Background())

		if len(fx.chat.deleted) != 0 || len(fx.chat.finalized) != 0 {
			t.Errorf("deleted=%v finalized=%v, want untouched", fx.chat.deleted, fx.chat.finalized)
		}
	})
}

func TestSupersessionWindow(t *testing.T) {
	entry := func(notifiedAt time.Time) state.Entry {
		return state.Entry{
			Kind:           state.KindIdle,
			Pane:           "%1",
			Cwd:            "/w",
			TranscriptPath: "/t/b.jsonl",
			NotifiedAt:     notifiedAt,
			ClaudeMsgID:    "msg_9",
		}
	}

	t.Run("quick supersession deletes the idle", func(t *testing.T) {
		fx := newFixture(t)
		fx.put(t, 600, entry(fx.now.Add(-2*time.Second)))
		fx.tr.toolUseMsgs["/t/b.jsonl|msg_9"] = true

		fx.orch.Tick(context.Background())

		if !reflect.DeepEqual(fx.chat.deleted, []int{600}) {
			t.Errorf("deleted = %v, want [600]", fx.chat.deleted)
		}
		if _, ok := fx.msgs.Get(600); ok {
			t.Error("entry still present after quick supersession")
		}
	})

	t.Run("slow supersession marks and keeps the message", func(t *testing.T) {
		fx := newFixture(t)
		fx.put(t, 600, entry(fx.now.Add(-6*time.Second)))
		fx.tr.toolUseMsgs["/t/b.jsonl|msg_9"] = true

		fx.orch.Tick(context.Background())

		if len(fx.chat.deleted) != 0 || len(fx.chat.finalized) != 0 {
			t.Errorf("deleted=%v finalized=%v, want message left visible", fx.chat.deleted, fx.chat.finalized)
		}
		e, ok := fx.msgs.Get(600)
		if !ok {
			t.Fatal("entry removed, want kept")
		}
		if !e.Superseded || e.Handled {
			t.Errorf("superseded=%v handled=%v, want superseded only", e.Superseded, e.Handled)
		}
	})

	t.Run("already superseded is not reprocessed", func(t *testing.T) {
		fx := newFixture(t)
		e := entry(fx.now.Add(-2 * time.Second))
		e.Superseded = true
		fx.put(t, 600, e)
		fx.tr.toolUseMsgs["/t/b.jsonl|msg_9"] = true

		fx.orch.Tick(context.Background())

		if len(fx.chat.deleted) != 0 {
			t.Errorf("deleted = %v, want none", fx.chat.deleted)
		}
	})
}

func TestStaleExpiry(t *testing.T) {
	idle := func(pane, msgID string) state.Entry {
		return state.Entry{
			Kind:           state.KindIdle,
			Pane:           pane,
			TranscriptPath: "/t/b.jsonl",
			NotifiedAt:     time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
			ClaudeMsgID:    msgID,
		}
	}

	t.Run("older idle expires behind a newer entry", func(t *testing.T) {
		fx := newFixture(t)
		fx.put(t, 400, idle("%1", "m1"))
		fx.put(t, 600, idle("%1", "m2"))

		fx.orch.Tick(context.Background())

		if got := fx.chat.finalized[400]; got != LabelExpired {
			t.Errorf("finalized[400] = %q, want %q", got, LabelExpired)
		}
		if _, ok := fx.chat.finalized[600]; ok {
			t.Error("newest entry expired, want left alone")
		}
		e, _ := fx.msgs.Get(400)
		if !e.Handled {
			t.Error("stale entry not marked handled")
		}
		if e, _ := fx.msgs.Get(600); e.Handled {
			t.Error("newest entry marked handled")
		}
	})

	t.Run("permission prompts never expire by id order", func(t *testing.T) {
		fx := newFixture(t)
		perm := state.Entry{
			Kind:           state.KindPermission,
			Pane:           "%1",
			TranscriptPath: "/t/a.jsonl",
			NotifiedAt:     time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
			ToolUseID:      "t1",
			ToolName:       "Bash",
		}
		fx.put(t, 400, perm)
		perm.ToolUseID = "t2"
		fx.put(t, 600, perm)

		fx.orch.Tick(context.Background())

		if len(fx.chat.finalized) != 0 {
			t.Errorf("finalized = %v, want none", fx.chat.finalized)
		}
	})

	t.Run("entries on different panes do not interact", func(t *testing.T) {
		fx := newFixture(t)
		fx.put(t, 400, idle("%1", "m1"))
		fx.put(t, 600, idle("%2", "m2"))

		fx.orch.Tick(context.Background())

		if len(fx.chat.finalized) != 0 {
			t.Errorf("finalized = %v, want none", fx.chat.finalized)
		}
	})
}

func TestSweepSkipsWhenUnconfigured(t *testing.T) {
	fx := newFixture(t)
	fx.put(t, 500, state.Entry{
		Kind:           state.KindPermission,
		Pane:           "%1",
		TranscriptPath: "/t/a.jsonl",
		NotifiedAt:     fx.now.Add(-time.Second),
		ToolUseID:      "toolu_01",
	})
	fx.tr.results["/t/a.jsonl|toolu_01"] = true
	if err := fx.cfg.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	fx.orch.Tick(context.Background())

	if len(fx.chat.deleted) != 0 || len(fx.chat.finalized) != 0 {
		t.Errorf("deleted=%v finalized=%v, want untouched without config", fx.chat.deleted, fx.chat.finalized)
	}
}

func TestExpireBatch(t *testing.T) {
	fx := newFixture(t)
	perm := func(pane string, handled bool) state.Entry {
		return state.Entry{
			Kind:       state.KindPermission,
			Pane:       pane,
			NotifiedAt: fx.now,
			ToolUseID:  "t",
			Handled:    handled,
		}
	}
	fx.put(t, 700, perm("%1", false)) // the denied prompt itself
	fx.put(t, 710, perm("%1", true))  // already answered
	fx.put(t, 720, perm("%1", false)) // queued behind the denied one
	fx.put(t, 730, perm("%2", false)) // different pane
	fx.put(t, 740, state.Entry{Kind: state.KindIdle, Pane: "%1", NotifiedAt: fx.now})

	fx.orch.ExpireBatch(context.Background(), "%1", 700)

	want := map[int]string{720: LabelBatchDenied}
	if !reflect.DeepEqual(fx.chat.finalized, want) {
		t.Errorf("finalized = %v, want %v", fx.chat.finalized, want)
	}
	if e, _ := fx.msgs.Get(720); !e.Handled {
		t.Error("batch-denied entry not marked handled")
	}
	for _, id := range []int{700, 730, 740} {
		if e, _ := fx.msgs.Get(id); e.Handled {
			t.Errorf("entry %d marked handled, want untouched", id)
		}
	}
}
