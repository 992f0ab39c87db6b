package session

import (
	"sort"
	"strings"

	"github.com/gueridon/backend/internal/protocol"
)

// Tunables are the magic constants of context accounting, exposed as
// configuration rather than baked in.
type Tunables struct {
	ContextWindowDefault  int
	CompactionDropPercent int
	CompactionMinTokens   int
}

func DefaultTunables() Tunables {
	return Tunables{
		ContextWindowDefault:  200000,
		CompactionDropPercent: 15,
		CompactionMinTokens:   20000,
	}
}

// Callbacks carry side effects out of the builder. All are optional and none
// fire in replay mode.
type Callbacks struct {
	// Delta receives each wire delta as it is produced.
	Delta func(Delta)
	// AskUser fires when the interactive question tool is invoked live.
	AskUser func(toolID, name, input string)
	// Compaction fires when a context compaction is detected on turn end.
	Compaction func()
	// CwdChange fires when the child reports a new working directory.
	CwdChange func(cwd string)
	// SessionID fires when system-init supplies the child's session id.
	SessionID func(id string)
}

type toolAccum struct {
	id        string
	name      string
	inputJSON strings.Builder
	display   string
	stopped   bool
}

// Builder folds the decoded event stream into session state. It is not
// safe for concurrent use; the owning runtime serialises all calls.
type Builder struct {
	state  State
	replay bool
	cb     Callbacks
	tun    Tunables

	cwd string

	// Per-message streaming accumulators, reset on message-start.
	blockKinds map[int]string
	textBuf    map[int]string
	thinkBuf   map[int]string
	sigBuf     map[int]string
	tools      map[int]*toolAccum
	// finalText overrides the per-block buffer when assistant-complete
	// supplied the definitive text before the matching block-stop.
	finalText map[int]string
	// committed marks block indices already folded into a message record.
	committed map[int]bool

	// Accumulating assistant message, keyed by id; curIdx indexes Messages.
	curID  string
	curIdx int

	// toolRefs locates a tool call by id for result attachment.
	toolRefs   map[string]toolRef
	askUserIDs map[string]bool

	turnInput          int
	prevTurnInput      int
	turnHadContent     bool
	lastTurnHadContent bool
}

type toolRef struct {
	msgIdx  int
	callIdx int
}

// NewBuilder creates a live builder for a folder.
func NewBuilder(folder string, tun Tunables, cb Callbacks) *Builder {
	b := &Builder{
		cb:     cb,
		tun:    tun,
		curIdx: -1,
	}
	b.state = State{
		Folder:   folder,
		Status:   Idle,
		Messages: []Message{},
	}
	b.resetStreamBuffers()
	b.toolRefs = make(map[string]toolRef)
	b.askUserIDs = make(map[string]bool)
	return b
}

// NewReplayBuilder creates a builder that folds a historical log: no deltas
// are emitted and no side callbacks fire.
func NewReplayBuilder(folder string, tun Tunables) *Builder {
	b := NewBuilder(folder, tun, Callbacks{})
	b.replay = true
	return b
}

// SetReplay toggles replay mode. A runtime hydrating from a session log
// folds history in replay mode, then goes live.
func (b *Builder) SetReplay(v bool) { b.replay = v }

func (b *Builder) resetStreamBuffers() {
	b.blockKinds = make(map[int]string)
	b.textBuf = make(map[int]string)
	b.thinkBuf = make(map[int]string)
	b.sigBuf = make(map[int]string)
	b.tools = make(map[int]*toolAccum)
	b.finalText = make(map[int]string)
	b.committed = make(map[int]bool)
}

// State returns a deep copy of the current session state with the in-flight
// streaming view attached.
func (b *Builder) State() *State {
	c := b.state.Clone()
	if s := b.streamingView(); s != nil {
		c.Streaming = s
	}
	return c
}

// SessionID returns the current session id.
func (b *Builder) SessionID() string { return b.state.SessionID }

// SetSessionID installs a placeholder or resumed session id.
func (b *Builder) SetSessionID(id string) { b.state.SessionID = id }

// SetConnected flips the connection flag carried on snapshots.
func (b *Builder) SetConnected(v bool) { b.state.Connected = v }

// Status returns the current coarse status.
func (b *Builder) Status() Status { return b.state.Status }

// ContextPercent returns the last computed context occupancy.
func (b *Builder) ContextPercent() int { return b.state.ContextPercent }

// LastTurnHadContent reports whether the most recently completed turn
// produced any content blocks. Used for local-command recovery.
func (b *Builder) LastTurnHadContent() bool { return b.lastTurnHadContent }

// AddSyntheticMessage injects a broker-originated message into the history.
func (b *Builder) AddSyntheticMessage(marker, text string) {
	b.state.Messages = append(b.state.Messages, Message{
		Kind:   KindSynthetic,
		Marker: marker,
		Text:   text,
	})
}

func (b *Builder) streamingView() *Streaming {
	if b.state.Status != Working {
		return nil
	}
	s := &Streaming{MessageID: b.curID}
	var textIdx, thinkIdx []int
	for i := range b.textBuf {
		if !b.committed[i] {
			textIdx = append(textIdx, i)
		}
	}
	for i := range b.thinkBuf {
		if !b.committed[i] {
			thinkIdx = append(thinkIdx, i)
		}
	}
	sort.Ints(textIdx)
	sort.Ints(thinkIdx)
	var textParts, thinkParts []string
	for _, i := range textIdx {
		if b.textBuf[i] != "" {
			textParts = append(textParts, b.textBuf[i])
		}
	}
	for _, i := range thinkIdx {
		if b.thinkBuf[i] != "" {
			thinkParts = append(thinkParts, b.thinkBuf[i])
		}
	}
	s.Text = strings.Join(textParts, "")
	s.Thinking = strings.Join(thinkParts, "\n\n")

	var toolIdx []int
	for i, acc := range b.tools {
		if !b.committed[i] && acc != nil {
			toolIdx = append(toolIdx, i)
		}
	}
	sort.Ints(toolIdx)
	for _, i := range toolIdx {
		acc := b.tools[i]
		input := acc.display
		if input == "" {
			input = acc.inputJSON.String()
		}
		s.ToolCalls = append(s.ToolCalls, ToolCall{
			ID:     acc.id,
			Name:   acc.name,
			Input:  input,
			Status: ToolRunning,
		})
	}

	if s.Text == "" && s.Thinking == "" && len(s.ToolCalls) == 0 {
		return nil
	}
	return s
}

func (b *Builder) emit(d Delta) {
	if b.replay || b.cb.Delta == nil {
		return
	}
	b.cb.Delta(d)
}

func (b *Builder) setStatus(s Status) {
	if b.state.Status == s {
		return
	}
	b.state.Status = s
	b.emit(Delta{Type: "status", Status: s.String()})
}

// Handle folds one decoded event into the state.
func (b *Builder) Handle(ev protocol.Event) {
	switch ev.Kind {
	case protocol.SystemInit:
		b.handleInit(ev.Init)
	case protocol.MessageStart:
		b.handleMessageStart()
	case protocol.BlockStart:
		b.handleBlockStart(ev.Block)
	case protocol.BlockDelta:
		b.handleBlockDelta(ev.Delta)
	case protocol.BlockStop:
		b.handleBlockStop(ev.Index)
	case protocol.AssistantComplete:
		b.handleAssistant(ev.Assistant)
	case protocol.APIError:
		b.handleAPIError(ev.Error)
	case protocol.UserOrToolResult:
		b.handleUser(ev.User)
	case protocol.TurnResult:
		b.handleResult(ev.Result)
	case protocol.MessageDelta, protocol.MessageStop, protocol.Unknown:
		// No state effect.
	}
}

func (b *Builder) handleInit(init *protocol.InitPayload) {
	if init == nil {
		return
	}
	if init.Model != "" {
		b.state.Model = init.Model
	}
	if init.SessionID != "" {
		changed := b.state.SessionID != init.SessionID
		b.state.SessionID = init.SessionID
		if changed && !b.replay && b.cb.SessionID != nil {
			b.cb.SessionID(init.SessionID)
		}
	}
	if init.SlashCommands != nil {
		b.state.SlashCommands = init.SlashCommands
	}
	if init.Cwd != "" && init.Cwd != b.cwd {
		prev := b.cwd
		b.cwd = init.Cwd
		if prev != "" && !b.replay && b.cb.CwdChange != nil {
			b.cb.CwdChange(init.Cwd)
		}
	}

	// A turn spans from init through the next turn result.
	b.resetStreamBuffers()
	b.curID = ""
	b.curIdx = -1
	b.turnHadContent = false
	b.setStatus(Working)
}

// handleMessageStart begins an inner API call: per-message streaming
// accumulators reset, the turn does not.
func (b *Builder) handleMessageStart() {
	b.resetStreamBuffers()
	b.setStatus(Working)
}

func (b *Builder) handleBlockStart(blk *protocol.BlockStartPayload) {
	if blk == nil {
		return
	}
	b.blockKinds[blk.Index] = blk.Kind
	b.turnHadContent = true
	// Accumulation is scoped to the most recent block-start at this index.
	delete(b.finalText, blk.Index)
	delete(b.committed, blk.Index)
	switch blk.Kind {
	case protocol.BlockToolUse:
		delete(b.textBuf, blk.Index)
		b.tools[blk.Index] = &toolAccum{id: blk.ID, name: blk.Name}
	case protocol.BlockThinking:
		b.thinkBuf[blk.Index] = ""
	default:
		b.textBuf[blk.Index] = ""
	}
}

func (b *Builder) handleBlockDelta(d *protocol.BlockDeltaPayload) {
	if d == nil {
		return
	}
	switch d.Kind {
	case protocol.DeltaText:
		b.textBuf[d.Index] += d.Payload
		b.emit(Delta{Type: "content", Index: intp(d.Index), Text: b.textBuf[d.Index]})
	case protocol.DeltaThinking:
		b.thinkBuf[d.Index] += d.Payload
		b.emit(Delta{Type: "thinking_content", Index: intp(d.Index), Text: b.thinkBuf[d.Index]})
	case protocol.DeltaInputJSON:
		if acc, ok := b.tools[d.Index]; ok {
			acc.inputJSON.WriteString(d.Payload)
		}
	case protocol.DeltaSignature:
		// Kept alongside the thinking accumulator for the block's lifetime;
		// not streamed to clients.
		b.sigBuf[d.Index] += d.Payload
	}
}

func (b *Builder) handleBlockStop(index int) {
	kind := b.blockKinds[index]
	switch kind {
	case protocol.BlockThinking:
		if t := b.thinkBuf[index]; t != "" {
			b.emit(Delta{Type: "thinking_content", Index: intp(index), Text: t})
		}
	case protocol.BlockToolUse:
		acc := b.tools[index]
		if acc == nil {
			return
		}
		acc.stopped = true
		acc.display = DisplayInput(acc.name, []byte(acc.inputJSON.String()))
		if acc.name == AskUserToolName && !b.replay {
			return
		}
		b.emit(Delta{Type: "tool_start", Index: intp(index), Name: acc.name, Input: acc.display, ToolID: acc.id})
	default:
		// Text, or an index never started: the definitive value from a
		// prior assistant-complete wins over the partial accumulator.
		if final, ok := b.finalText[index]; ok {
			b.emit(Delta{Type: "content", Index: intp(index), Text: final})
			return
		}
		if t, ok := b.textBuf[index]; ok && t != "" {
			b.emit(Delta{Type: "content", Index: intp(index), Text: t})
		}
	}
}

func (b *Builder) handleAssistant(a *protocol.AssistantPayload) {
	if a == nil {
		return
	}
	if total := a.Usage.TotalContext(); total > 0 {
		b.turnInput = total
	}
	if len(a.Content) > 0 {
		b.turnHadContent = true
	}

	if b.curID == a.MessageID && b.curID != "" && b.curIdx >= 0 && b.curIdx < len(b.state.Messages) {
		// Partial re-emission of the same message: the later, more complete
		// content wins, but outputs already attached to tool calls survive.
		prior := b.state.Messages[b.curIdx]
		rebuilt := b.buildAssistantMessage(a)
		mergeToolOutputs(&rebuilt, prior.ToolCalls)
		b.state.Messages[b.curIdx] = rebuilt
		b.reindexTools(b.curIdx)
		return
	}

	// A distinct id ends the prior accumulator and starts a new message.
	msg := b.buildAssistantMessage(a)
	b.state.Messages = append(b.state.Messages, msg)
	b.curID = a.MessageID
	b.curIdx = len(b.state.Messages) - 1
	b.reindexTools(b.curIdx)
}

func (b *Builder) buildAssistantMessage(a *protocol.AssistantPayload) Message {
	msg := Message{
		Kind:      KindAssistant,
		MessageID: a.MessageID,
	}
	if a.Usage != (protocol.Usage{}) {
		u := a.Usage
		msg.Usage = &u
	}

	var textParts, thinkParts []string
	for i, blk := range a.Content {
		switch blk.Type {
		case protocol.BlockText:
			textParts = append(textParts, blk.Text)
			msg.Content = append(msg.Content, ContentEntry{Type: protocol.BlockText, Text: blk.Text})
			// Definitive text for ordering-tolerant block-stop emission.
			b.finalText[i] = blk.Text
			b.committed[i] = true
		case protocol.BlockThinking:
			if blk.Thinking != "" {
				thinkParts = append(thinkParts, blk.Thinking)
				msg.Content = append(msg.Content, ContentEntry{Type: protocol.BlockThinking, Text: blk.Thinking})
			}
			b.committed[i] = true
		case protocol.BlockToolUse:
			display := DisplayInput(blk.Name, blk.Input)
			if blk.Name == AskUserToolName && !b.replay {
				b.askUserIDs[blk.ID] = true
				if b.cb.AskUser != nil {
					b.cb.AskUser(blk.ID, blk.Name, display)
				}
				b.committed[i] = true
				continue
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:     blk.ID,
				Name:   blk.Name,
				Input:  display,
				Status: ToolRunning,
			})
			msg.Content = append(msg.Content, ContentEntry{Type: protocol.BlockToolUse, ToolID: blk.ID})
			b.committed[i] = true
		}
	}
	msg.Text = strings.Join(textParts, "\n\n")
	msg.Thinking = strings.Join(thinkParts, "\n\n")
	return msg
}

// mergeToolOutputs carries completed outputs from a prior emission of the
// same message onto the rebuilt tool-call list.
func mergeToolOutputs(msg *Message, prior []ToolCall) {
	if len(prior) == 0 {
		return
	}
	byID := make(map[string]ToolCall, len(prior))
	for _, tc := range prior {
		byID[tc.ID] = tc
	}
	for i, tc := range msg.ToolCalls {
		if old, ok := byID[tc.ID]; ok && old.Status != ToolRunning {
			msg.ToolCalls[i].Status = old.Status
			msg.ToolCalls[i].Output = old.Output
		}
	}
}

func (b *Builder) reindexTools(msgIdx int) {
	for i, tc := range b.state.Messages[msgIdx].ToolCalls {
		b.toolRefs[tc.ID] = toolRef{msgIdx: msgIdx, callIdx: i}
	}
}

func (b *Builder) handleAPIError(e *protocol.APIErrorPayload) {
	if e == nil {
		return
	}
	// Repeated identical errors are deliberate separate messages.
	b.state.Messages = append(b.state.Messages, Message{
		Kind: KindAssistant,
		Text: e.Message,
	})
	b.state.LastError = e.Message
	b.setStatus(Idle)
	b.emit(Delta{Type: "api_error", Message: e.Message})
}

func (b *Builder) handleUser(u *protocol.UserPayload) {
	if u == nil {
		return
	}
	if u.IsText {
		if marker, rest, ok := ParseSyntheticMarker(u.Text); ok {
			b.state.Messages = append(b.state.Messages, Message{
				Kind:   KindSynthetic,
				Marker: marker,
				Text:   rest,
			})
			return
		}
		b.state.Messages = append(b.state.Messages, Message{
			Kind: KindUserText,
			Text: u.Text,
		})
		return
	}

	for _, r := range u.Results {
		if b.askUserIDs[r.ToolUseID] && !b.replay {
			continue
		}
		ref, ok := b.toolRefs[r.ToolUseID]
		if !ok {
			// Unmatched result: keep it so history loses nothing.
			b.state.Messages = append(b.state.Messages, Message{
				Kind: KindUserToolResult,
				Text: r.Content,
			})
			continue
		}
		tc := &b.state.Messages[ref.msgIdx].ToolCalls[ref.callIdx]
		if tc.Status != ToolRunning {
			continue
		}
		tc.Output = r.Content
		if r.IsError {
			tc.Status = ToolError
		} else {
			tc.Status = ToolCompleted
		}
		b.emit(Delta{
			Type:    "tool_complete",
			ToolID:  tc.ID,
			Name:    tc.Name,
			Output:  tc.Output,
			IsError: r.IsError,
		})
	}
}

func (b *Builder) handleResult(r *protocol.TurnResultPayload) {
	if r == nil {
		return
	}

	window := b.tun.ContextWindowDefault
	tokens := b.turnInput
	if len(r.ModelUsage) > 0 {
		if mu, ok := r.ModelUsage[b.state.Model]; ok && mu.ContextWindow > 0 {
			window = mu.ContextWindow
		} else {
			for _, mu := range r.ModelUsage {
				if mu.ContextWindow > 0 {
					window = mu.ContextWindow
					break
				}
			}
		}
		for _, mu := range r.ModelUsage {
			if total := mu.InputTokens + mu.CacheReadInputTokens + mu.CacheCreationInputTokens; total > 0 {
				tokens = total
				break
			}
		}
	}
	if window > 0 {
		pct := tokens * 100 / window
		if pct > 100 {
			pct = 100
		}
		b.state.ContextPercent = pct
	}

	// Compaction: a large context that shrank sharply between turns.
	if b.prevTurnInput >= b.tun.CompactionMinTokens && tokens < b.prevTurnInput {
		drop := b.prevTurnInput - tokens
		if drop*100 > b.prevTurnInput*b.tun.CompactionDropPercent && !b.replay && b.cb.Compaction != nil {
			b.cb.Compaction()
		}
	}
	b.prevTurnInput = tokens
	b.turnInput = 0

	b.lastTurnHadContent = b.turnHadContent
	b.turnHadContent = false
	b.resetStreamBuffers()
	b.curID = ""
	b.curIdx = -1

	b.setStatus(Idle)
	b.emit(Delta{
		Type:           "activity",
		ContextPercent: intp(b.state.ContextPercent),
		Model:          b.state.Model,
	})
}
