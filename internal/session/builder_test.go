package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gueridon/backend/internal/protocol"
)

type deltaRecorder struct {
	deltas []Delta
}

func (r *deltaRecorder) record(d Delta) { r.deltas = append(r.deltas, d) }

func (r *deltaRecorder) ofType(t string) []Delta {
	var out []Delta
	for _, d := range r.deltas {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

func newTestBuilder(t *testing.T) (*Builder, *deltaRecorder) {
	t.Helper()
	rec := &deltaRecorder{}
	b := NewBuilder("mellow-meadow", DefaultTunables(), Callbacks{Delta: rec.record})
	return b, rec
}

func initEvent(sid string) protocol.Event {
	return protocol.Event{Kind: protocol.SystemInit, Init: &protocol.InitPayload{
		Model:     "claude-sonnet-4-5-20250929",
		Cwd:       "/work/mellow-meadow",
		SessionID: sid,
	}}
}

func blockStart(index int, kind string) protocol.Event {
	return protocol.Event{Kind: protocol.BlockStart, Block: &protocol.BlockStartPayload{
		Index: index, Kind: kind,
	}}
}

func toolStart(index int, id, name string) protocol.Event {
	return protocol.Event{Kind: protocol.BlockStart, Block: &protocol.BlockStartPayload{
		Index: index, Kind: protocol.BlockToolUse, ID: id, Name: name,
	}}
}

func textDelta(index int, text string) protocol.Event {
	return protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: index, Kind: protocol.DeltaText, Payload: text,
	}}
}

func blockStop(index int) protocol.Event {
	return protocol.Event{Kind: protocol.BlockStop, Index: index}
}

func assistant(id string, usage protocol.Usage, blocks ...protocol.ContentBlock) protocol.Event {
	return protocol.Event{Kind: protocol.AssistantComplete, Assistant: &protocol.AssistantPayload{
		MessageID: id, Content: blocks, Usage: usage,
	}}
}

func turnResult(tokens, window int) protocol.Event {
	return protocol.Event{Kind: protocol.TurnResult, Result: &protocol.TurnResultPayload{
		Subtype: protocol.ResultSuccess,
		ModelUsage: map[string]protocol.ModelUsage{
			"claude-sonnet-4-5-20250929": {InputTokens: tokens, ContextWindow: window},
		},
	}}
}

func toolResult(id, content string, isError bool) protocol.Event {
	return protocol.Event{Kind: protocol.UserOrToolResult, User: &protocol.UserPayload{
		Results: []protocol.ToolResult{{ToolUseID: id, Content: content, IsError: isError}},
	}}
}

func TestSimpleTextTurn(t *testing.T) {
	b, rec := newTestBuilder(t)

	b.Handle(initEvent("sess-1"))
	assert.Equal(t, Working, b.Status())
	assert.Equal(t, "sess-1", b.SessionID())

	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(blockStart(0, protocol.BlockText))
	b.Handle(textDelta(0, "Hello"))
	b.Handle(textDelta(0, " world"))
	b.Handle(blockStop(0))
	b.Handle(assistant("msg_1", protocol.Usage{InputTokens: 100},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "Hello world"}))
	b.Handle(turnResult(100, 200000))

	assert.Equal(t, Idle, b.Status())
	assert.Equal(t, 0, b.ContextPercent())

	state := b.State()
	require.Len(t, state.Messages, 1)
	assert.Equal(t, KindAssistant, state.Messages[0].Kind)
	assert.Equal(t, "Hello world", state.Messages[0].Text)
	assert.Nil(t, state.Streaming)

	// Content deltas carry the full accumulated text.
	contents := rec.ofType("content")
	require.NotEmpty(t, contents)
	assert.Equal(t, "Hello", contents[0].Text)
	assert.Equal(t, "Hello world", contents[1].Text)

	statuses := rec.ofType("status")
	require.Len(t, statuses, 2)
	assert.Equal(t, "working", statuses[0].Status)
	assert.Equal(t, "idle", statuses[1].Status)

	activity := rec.ofType("activity")
	require.Len(t, activity, 1)
	require.NotNil(t, activity[0].ContextPercent)
	assert.Equal(t, 0, *activity[0].ContextPercent)
}

func TestContextPercentComputation(t *testing.T) {
	tests := []struct {
		name    string
		tokens  int
		window  int
		percent int
	}{
		{"small", 100, 200000, 0},
		{"half", 100000, 200000, 50},
		{"floor", 50999, 100000, 50},
		{"clamped", 300000, 200000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBuilder(t)
			b.Handle(initEvent("s"))
			b.Handle(turnResult(tt.tokens, tt.window))
			assert.Equal(t, tt.percent, b.ContextPercent())
		})
	}
}

func TestWindowDefaultWhenUnreported(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(assistant("msg_1", protocol.Usage{InputTokens: 100000},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "x"}))
	b.Handle(protocol.Event{Kind: protocol.TurnResult, Result: &protocol.TurnResultPayload{
		Subtype: protocol.ResultSuccess,
	}})
	// 100000 of the 200000 default.
	assert.Equal(t, 50, b.ContextPercent())
}

func TestToolCallLifecycle(t *testing.T) {
	b, rec := newTestBuilder(t)

	b.Handle(initEvent("sess-1"))
	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(toolStart(0, "toolu_1", "Bash"))
	b.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: 0, Kind: protocol.DeltaInputJSON, Payload: `{"command":"ls -la"}`,
	}})
	b.Handle(blockStop(0))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "toolu_1", Name: "Bash",
			Input: []byte(`{"command":"ls -la"}`)}))
	b.Handle(toolResult("toolu_1", "total 12\n", false))

	state := b.State()
	require.Len(t, state.Messages, 1)
	require.Len(t, state.Messages[0].ToolCalls, 1)
	tc := state.Messages[0].ToolCalls[0]
	assert.Equal(t, ToolCompleted, tc.Status)
	assert.Equal(t, "total 12\n", tc.Output)
	assert.Equal(t, "ls -la", tc.Input)

	starts := rec.ofType("tool_start")
	require.Len(t, starts, 1)
	assert.Equal(t, "ls -la", starts[0].Input)
	completes := rec.ofType("tool_complete")
	require.Len(t, completes, 1)
	assert.Equal(t, "toolu_1", completes[0].ToolID)

	// A second result for the same id must not overwrite.
	b.Handle(toolResult("toolu_1", "other", true))
	state = b.State()
	assert.Equal(t, "total 12\n", state.Messages[0].ToolCalls[0].Output)
	assert.Equal(t, ToolCompleted, state.Messages[0].ToolCalls[0].Status)
}

func TestToolResultError(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "toolu_1", Name: "Bash",
			Input: []byte(`{"command":"false"}`)}))
	b.Handle(toolResult("toolu_1", "exit status 1", true))

	state := b.State()
	assert.Equal(t, ToolError, state.Messages[0].ToolCalls[0].Status)
}

// TestShellToolTurn runs a full generic shell-tool turn: input json split
// across two deltas, completion, result attachment.
func TestShellToolTurn(t *testing.T) {
	b, _ := newTestBuilder(t)

	b.Handle(initEvent("s1"))
	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(toolStart(0, "t1", "shell"))
	b.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: 0, Kind: protocol.DeltaInputJSON, Payload: `{"comma`,
	}})
	b.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: 0, Kind: protocol.DeltaInputJSON, Payload: `nd":"ls -la"}`,
	}})
	b.Handle(blockStop(0))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "t1", Name: "shell",
			Input: []byte(`{"command":"ls -la"}`)}))
	b.Handle(toolResult("t1", "file1\nfile2", false))
	b.Handle(turnResult(100, 200000))

	state := b.State()
	require.Len(t, state.Messages, 1)
	require.Len(t, state.Messages[0].ToolCalls, 1)
	tc := state.Messages[0].ToolCalls[0]
	assert.Equal(t, "shell", tc.Name)
	assert.Equal(t, "ls -la", tc.Input)
	assert.Equal(t, ToolCompleted, tc.Status)
	assert.Equal(t, "file1\nfile2", tc.Output)
}

// TestParallelToolCalls sends two file-read calls in one assistant message
// and both results in one user event.
func TestParallelToolCalls(t *testing.T) {
	b, _ := newTestBuilder(t)

	b.Handle(initEvent("s1"))
	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(toolStart(0, "t1", "file-read"))
	b.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: 0, Kind: protocol.DeltaInputJSON, Payload: `{"file_path":"/a"}`,
	}})
	b.Handle(blockStop(0))
	b.Handle(toolStart(1, "t2", "file-read"))
	b.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: 1, Kind: protocol.DeltaInputJSON, Payload: `{"file_path":"/b"}`,
	}})
	b.Handle(blockStop(1))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "t1", Name: "file-read",
			Input: []byte(`{"file_path":"/a"}`)},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "t2", Name: "file-read",
			Input: []byte(`{"file_path":"/b"}`)}))
	b.Handle(protocol.Event{Kind: protocol.UserOrToolResult, User: &protocol.UserPayload{
		Results: []protocol.ToolResult{
			{ToolUseID: "t1", Content: "contents of a"},
			{ToolUseID: "t2", Content: "contents of b"},
		},
	}})
	b.Handle(turnResult(100, 200000))

	state := b.State()
	require.Len(t, state.Messages, 1)
	calls := state.Messages[0].ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, "/a", calls[0].Input)
	assert.Equal(t, "/b", calls[1].Input)
	assert.Equal(t, ToolCompleted, calls[0].Status)
	assert.Equal(t, ToolCompleted, calls[1].Status)
	assert.Equal(t, "contents of a", calls[0].Output)
	assert.Equal(t, "contents of b", calls[1].Output)
}

func TestSignatureDeltasAccumulate(t *testing.T) {
	b, _ := newTestBuilder(t)

	b.Handle(initEvent("s1"))
	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(blockStart(0, protocol.BlockThinking))
	b.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: 0, Kind: protocol.DeltaThinking, Payload: "pondering",
	}})
	b.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: 0, Kind: protocol.DeltaSignature, Payload: "abc",
	}})
	b.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: &protocol.BlockDeltaPayload{
		Index: 0, Kind: protocol.DeltaSignature, Payload: "def",
	}})
	assert.Equal(t, "abcdef", b.sigBuf[0])
	assert.Equal(t, "pondering", b.thinkBuf[0])

	// Signatures live exactly as long as the other streaming buffers.
	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	assert.Empty(t, b.sigBuf)
}

func TestUnmatchedToolResultKept(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(toolResult("toolu_missing", "orphan output", false))

	state := b.State()
	require.Len(t, state.Messages, 1)
	assert.Equal(t, KindUserToolResult, state.Messages[0].Kind)
	assert.Equal(t, "orphan output", state.Messages[0].Text)
}

func TestAPIErrorsAreSeparateMessages(t *testing.T) {
	b, rec := newTestBuilder(t)
	b.Handle(initEvent("s"))
	errEvent := protocol.Event{Kind: protocol.APIError, Error: &protocol.APIErrorPayload{
		Message: "Overloaded",
	}}
	b.Handle(errEvent)
	b.Handle(errEvent)

	state := b.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "Overloaded", state.Messages[0].Text)
	assert.Equal(t, "Overloaded", state.Messages[1].Text)
	assert.Equal(t, Idle, b.Status())
	assert.Equal(t, "Overloaded", state.LastError)
	assert.Len(t, rec.ofType("api_error"), 2)
}

func TestSameMessageIDRebuildsInPlace(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "toolu_1", Name: "Read",
			Input: []byte(`{"file_path":"/a"}`)}))
	b.Handle(toolResult("toolu_1", "contents", false))

	// Re-emission of the same message with more content: one message, the
	// attached tool output survives.
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "toolu_1", Name: "Read",
			Input: []byte(`{"file_path":"/a"}`)},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "Done reading."}))

	state := b.State()
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "Done reading.", state.Messages[0].Text)
	require.Len(t, state.Messages[0].ToolCalls, 1)
	assert.Equal(t, ToolCompleted, state.Messages[0].ToolCalls[0].Status)
	assert.Equal(t, "contents", state.Messages[0].ToolCalls[0].Output)
}

func TestDistinctMessageIDsSplit(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "first"}))
	b.Handle(assistant("msg_2", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "second"}))

	state := b.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "first", state.Messages[0].Text)
	assert.Equal(t, "second", state.Messages[1].Text)
}

// Index reuse across inner API calls: the second block at index 0 must not
// leak text accumulated by the first.
func TestIndexReuseDoesNotLeakText(t *testing.T) {
	b, rec := newTestBuilder(t)
	b.Handle(initEvent("s"))

	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(blockStart(0, protocol.BlockText))
	b.Handle(textDelta(0, "A"))
	b.Handle(blockStop(0))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "A"}))

	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(blockStart(0, protocol.BlockText))
	b.Handle(textDelta(0, "B"))
	b.Handle(blockStop(0))
	b.Handle(assistant("msg_2", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "B"}))

	contents := rec.ofType("content")
	for _, d := range contents {
		assert.NotEqual(t, "AB", d.Text)
	}

	state := b.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "A", state.Messages[0].Text)
	assert.Equal(t, "B", state.Messages[1].Text)
}

func TestBlockStopWithoutDeltaEmitsNothing(t *testing.T) {
	b, rec := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(blockStart(0, protocol.BlockText))
	b.Handle(blockStop(0))
	assert.Empty(t, rec.ofType("content"))
}

// Assistant-complete arriving before the matching block-stop: the stop
// emits the definitive text from the completed message.
func TestAssistantBeforeBlockStop(t *testing.T) {
	b, rec := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(blockStart(0, protocol.BlockText))
	b.Handle(textDelta(0, "partial"))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "partial, completed"}))
	b.Handle(blockStop(0))

	contents := rec.ofType("content")
	require.NotEmpty(t, contents)
	assert.Equal(t, "partial, completed", contents[len(contents)-1].Text)
}

func TestSyntheticMarkerMessages(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(protocol.Event{Kind: protocol.UserOrToolResult, User: &protocol.UserPayload{
		IsText: true, Text: "[gueridon:system] Session restored.",
	}})
	b.Handle(protocol.Event{Kind: protocol.UserOrToolResult, User: &protocol.UserPayload{
		IsText: true, Text: "just a regular prompt",
	}})

	state := b.State()
	require.Len(t, state.Messages, 2)
	assert.Equal(t, KindSynthetic, state.Messages[0].Kind)
	assert.Equal(t, "system", state.Messages[0].Marker)
	assert.Equal(t, "Session restored.", state.Messages[0].Text)
	assert.Equal(t, KindUserText, state.Messages[1].Kind)
}

func TestAskUserFilteredLive(t *testing.T) {
	var askID, askName string
	rec := &deltaRecorder{}
	b := NewBuilder("f", DefaultTunables(), Callbacks{
		Delta: rec.record,
		AskUser: func(toolID, name, input string) {
			askID, askName = toolID, name
		},
	})
	b.Handle(initEvent("s"))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "toolu_q", Name: AskUserToolName,
			Input: []byte(`{"question":"Which one?"}`)}))
	b.Handle(toolResult("toolu_q", "the first", false))

	assert.Equal(t, "toolu_q", askID)
	assert.Equal(t, AskUserToolName, askName)
	state := b.State()
	require.Len(t, state.Messages, 1)
	assert.Empty(t, state.Messages[0].ToolCalls)
	assert.Empty(t, rec.ofType("tool_start"))
	assert.Empty(t, rec.ofType("tool_complete"))
}

func TestAskUserRetainedInReplay(t *testing.T) {
	b := NewReplayBuilder("f", DefaultTunables())
	b.Handle(initEvent("s"))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockToolUse, ID: "toolu_q", Name: AskUserToolName,
			Input: []byte(`{"question":"Which one?"}`)}))
	b.Handle(toolResult("toolu_q", "the first", false))

	state := b.State()
	require.Len(t, state.Messages, 1)
	require.Len(t, state.Messages[0].ToolCalls, 1)
	assert.Equal(t, AskUserToolName, state.Messages[0].ToolCalls[0].Name)
	assert.Equal(t, "the first", state.Messages[0].ToolCalls[0].Output)
}

func TestCompactionDetection(t *testing.T) {
	tests := []struct {
		name       string
		prev, next int
		compaction bool
	}{
		{"large drop", 100000, 40000, true},
		{"small drop", 100000, 90000, false},
		{"below floor", 10000, 1000, false},
		{"growth", 50000, 90000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fired := false
			b := NewBuilder("f", DefaultTunables(), Callbacks{Compaction: func() { fired = true }})
			b.Handle(initEvent("s"))
			b.Handle(turnResult(tt.prev, 200000))
			b.Handle(initEvent("s"))
			b.Handle(turnResult(tt.next, 200000))
			assert.Equal(t, tt.compaction, fired)
		})
	}
}

func TestLastTurnHadContent(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(turnResult(100, 200000))
	assert.False(t, b.LastTurnHadContent())

	b.Handle(initEvent("s"))
	b.Handle(assistant("msg_1", protocol.Usage{},
		protocol.ContentBlock{Type: protocol.BlockText, Text: "hi"}))
	b.Handle(turnResult(200, 200000))
	assert.True(t, b.LastTurnHadContent())
}

func TestStreamingViewDuringTurn(t *testing.T) {
	b, _ := newTestBuilder(t)
	b.Handle(initEvent("s"))
	b.Handle(protocol.Event{Kind: protocol.MessageStart})
	b.Handle(blockStart(0, protocol.BlockText))
	b.Handle(textDelta(0, "stream"))

	state := b.State()
	require.NotNil(t, state.Streaming)
	assert.Equal(t, "stream", state.Streaming.Text)

	b.Handle(turnResult(100, 200000))
	assert.Nil(t, b.State().Streaming)
}

func TestReplayEmitsNoDeltas(t *testing.T) {
	rec := &deltaRecorder{}
	b := NewBuilder("f", DefaultTunables(), Callbacks{Delta: rec.record})
	b.SetReplay(true)
	b.Handle(initEvent("s"))
	b.Handle(blockStart(0, protocol.BlockText))
	b.Handle(textDelta(0, "quiet"))
	b.Handle(turnResult(100, 200000))
	assert.Empty(t, rec.deltas)

	b.SetReplay(false)
	b.Handle(initEvent("s"))
	assert.NotEmpty(t, rec.ofType("status"))
}
