package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/events"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3"
)

type stubPolicy struct {
	allowed bool
	reason  string
	err     error
}

func (p stubPolicy) IsAllowed(context.Context, string, string) (bool, string, error) {
	return p.allowed, p.reason, p.err
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, evt events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func TestRecordAnchorsAndStores(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	anchor := web3.NewLocalAnchor("local", 1337)
	svc := NewService(nil, WithAnchor(anchor), WithPolicy(stubPolicy{allowed: true}), WithPublisher(pub))

	res, err := svc.Record(ctx, Entry{
		ActionID: "act-1",
		AgentID:  "a1",
		ToolID:   "search",
		Input:    map[string]any{"q": "hello"},
		Output:   map[string]any{"answer": 42},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Status != StatusSuccess || res.TxHash == "" || res.BlockNumber != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	want, err := DataHash(Entry{ActionID: "act-1", AgentID: "a1", ToolID: "search", Input: map[string]any{"q": "hello"}, Output: map[string]any{"answer": 42}, Status: StatusSuccess})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if res.DataHash != want.Hex() {
		t.Fatalf("data hash mismatch: %s vs %s", res.DataHash, want.Hex())
	}

	rec, err := svc.GetAction(ctx, "act-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Chain != "local" || rec.GasUsed != res.GasUsed {
		t.Fatalf("unexpected stored record: %+v", rec)
	}
	if len(pub.events) != 1 || pub.events[0].Kind != events.KindAuditRecorded {
		t.Fatalf("expected audit.recorded event, got %+v", pub.events)
	}
}

func TestRecordDeniedReturnsFailedResult(t *testing.T) {
	pub := &capturePublisher{}
	svc := NewService(nil, WithPolicy(stubPolicy{allowed: false, reason: "agent revoked"}), WithPublisher(pub))

	res, err := svc.Record(context.Background(), Entry{ActionID: "act-2", AgentID: "a1", ToolID: "t"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Status != StatusFailed || res.Error != "Access denied: agent revoked" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := svc.GetAction(context.Background(), "act-2"); !xerrors.HasCode(err, CodeActionNotFound) {
		t.Fatalf("denied action must not be stored, got %v", err)
	}
	if len(pub.events) != 1 || pub.events[0].Kind != events.KindAccessDenied {
		t.Fatalf("expected denial event, got %+v", pub.events)
	}
}

func TestRecordPolicyFailureIsSoft(t *testing.T) {
	svc := NewService(nil, WithPolicy(stubPolicy{err: errors.New("opa down")}))
	res, err := svc.Record(context.Background(), Entry{AgentID: "a1", ToolID: "t"})
	if err != nil {
		t.Fatalf("policy failure should not abort recording: %v", err)
	}
	if res.ActionID == "" || res.Status != StatusSuccess || res.GasUsed != 21000 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLogActionHonoursProvidedHash(t *testing.T) {
	svc := NewService(nil)
	hash := "0x" + strings.Repeat("ab", 32)
	res, err := svc.LogAction(context.Background(), Entry{ActionID: "act-3", AgentID: "a1", DataHash: hash})
	if err != nil {
		t.Fatalf("log action: %v", err)
	}
	if res.DataHash != hash {
		t.Fatalf("expected provided hash, got %s", res.DataHash)
	}
	if _, err := svc.LogAction(context.Background(), Entry{AgentID: "a1", DataHash: "0x12"}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for short hash, got %v", err)
	}
	if _, err := svc.LogAction(context.Background(), Entry{ActionID: "act-3", AgentID: "a1"}); !xerrors.HasCode(err, CodeDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestListAndStatistics(t *testing.T) {
	ctx := context.Background()
	svc := NewService(nil)
	for i, e := range []Entry{
		{ActionID: "1", AgentID: "a1", ToolID: "x"},
		{ActionID: "2", AgentID: "a2", ToolID: "x", Status: StatusFailed},
		{ActionID: "3", AgentID: "a1", ToolID: "y"},
	} {
		if _, err := svc.LogAction(ctx, e); err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}

	byAgent, err := svc.ListByAgent(ctx, "a1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byAgent) != 2 || byAgent[0].ActionID != "3" {
		t.Fatalf("expected newest first for a1, got %+v", byAgent)
	}
	byTool, _ := svc.ListByTool(ctx, "x", 1, 1)
	if len(byTool) != 1 || byTool[0].ActionID != "1" {
		t.Fatalf("unexpected paged tool listing: %+v", byTool)
	}

	stats, err := svc.Statistics(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalActions != 3 || stats.FailedActions != 1 || stats.UniqueAgents != 2 || stats.UniqueTools != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

type recorderFunc func(ctx context.Context, e Entry) (*Result, error)

func (f recorderFunc) Record(ctx context.Context, e Entry) (*Result, error) { return f(ctx, e) }

func TestTrackCapturesFailure(t *testing.T) {
	var captured Entry
	rec := recorderFunc(func(_ context.Context, e Entry) (*Result, error) {
		captured = e
		return &Result{ActionID: e.ActionID, Status: e.Status}, nil
	})
	boom := errors.New("tool crashed")

	out, res, err := Track(context.Background(), rec, TrackOptions{AgentID: "a1", ToolID: "t", Enabled: true, LogInput: false, LogOutput: true},
		map[string]any{"secret": "x"},
		func(context.Context) (map[string]any, error) { return nil, boom })
	if !errors.Is(err, boom) || out != nil {
		t.Fatalf("fn result must pass through: %v %v", out, err)
	}
	if res == nil || res.Status != StatusFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if captured.Input != nil || captured.Output["error"] != "tool crashed" {
		t.Fatalf("unexpected captured entry: %+v", captured)
	}
}

func TestTrackSoftFailsOnRecorderError(t *testing.T) {
	rec := recorderFunc(func(context.Context, Entry) (*Result, error) { return nil, errors.New("store down") })
	out, res, err := Track(context.Background(), rec, TrackOptions{AgentID: "a1", Enabled: true}, nil,
		func(context.Context) (map[string]any, error) { return map[string]any{"ok": true}, nil })
	if err != nil || res != nil || out["ok"] != true {
		t.Fatalf("unexpected track outcome: %v %v %v", out, res, err)
	}
}

func TestDuplicateActionIsRejectedBeforeAnchoring(t *testing.T) {
	ctx := context.Background()
	anchor := web3.NewLocalAnchor("local", 1337)
	svc := NewService(nil, WithAnchor(anchor))

	if _, err := svc.LogAction(ctx, Entry{ActionID: "act-dup", AgentID: "a1"}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	if _, err := svc.LogAction(ctx, Entry{ActionID: "act-dup", AgentID: "a2"}); !xerrors.HasCode(err, CodeDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	snap, err := anchor.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Anchored != 1 {
		t.Fatalf("duplicate action must not be anchored, got %d", snap.Anchored)
	}
	rec, err := svc.GetAction(ctx, "act-dup")
	if err != nil || rec.AgentID != "a1" {
		t.Fatalf("first record must survive: %+v %v", rec, err)
	}
}
