package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gueridon/backend/internal/config"
	"github.com/gueridon/backend/internal/logging"
	"github.com/gueridon/backend/internal/protocol"
	"github.com/gueridon/backend/internal/scan"
	"github.com/gueridon/backend/internal/session"
)

var ErrStopped = errors.New("session runtime stopped")

type phase int

const (
	phaseIdle phase = iota
	phaseSpawning
	phaseReady
)

// Prompt is one user turn. Content, when set, is a structured content
// array and takes precedence over Text.
type Prompt struct {
	Text    string
	Content json.RawMessage
}

// PromptAck tells the submitting client whether the prompt was delivered
// immediately or queued behind the turn in progress.
type PromptAck struct {
	Queued   bool `json:"queued"`
	Position int  `json:"position,omitempty"`
}

// Hooks let the owning registry react to runtime lifecycle changes.
type Hooks struct {
	// Changed fires whenever the live set a scanner or reaper cares about
	// moved: spawn, exit, session id, turn transitions.
	Changed func()
	// Expired fires once when the runtime tears itself down.
	Expired func(*Runtime)
}

// Context bands for the one-shot window notes.
const (
	bandNormal = iota
	bandAmber
	bandRed
)

// Runtime is the per-folder session actor. A single goroutine owns all
// mutable state; external calls post closures onto the command channel.
type Runtime struct {
	folder string
	path   string
	cfg    *config.Config
	hooks  Hooks
	log    *logrus.Entry

	builder   *session.Builder
	conflator *session.Conflator
	ring      *ring
	subs      map[*Subscriber]struct{}

	cmds chan func()
	done chan struct{}

	child     *child
	spawnedAt time.Time
	stopped   bool
	phase     phase
	turn      bool
	queue     []Prompt
	resumable bool

	graceTimer *time.Timer
	initTimer  *time.Timer
	flushTimer *time.Timer

	band        int
	pendingNote string

	infoMu         chan struct{} // 1-slot semaphore guarding the fields below
	info           scan.LiveSession
	childPID       int
	childSpawnedAt time.Time
}

// New creates the runtime for a folder, re-hydrating state from the most
// recent session log when one survives without an exit marker. The grace
// timer starts immediately; an attach cancels it.
func New(folder, path string, cfg *config.Config, hooks Hooks) *Runtime {
	rt := &Runtime{
		folder:    folder,
		path:      path,
		cfg:       cfg,
		hooks:     hooks,
		log:       logging.NewLogger("runtime").WithField("folder", folder),
		conflator: session.NewConflator(),
		ring:      newRing(cfg.Session.ReplayRing),
		subs:      make(map[*Subscriber]struct{}),
		cmds:      make(chan func(), 256),
		done:      make(chan struct{}),
		infoMu:    make(chan struct{}, 1),
	}

	tun := session.Tunables{
		ContextWindowDefault:  cfg.Models.ContextWindowDefault,
		CompactionDropPercent: cfg.Models.CompactionDropPercent,
		CompactionMinTokens:   cfg.Models.CompactionMinTokens,
	}
	rt.builder = session.NewBuilder(folder, tun, session.Callbacks{
		Delta:      rt.onDelta,
		AskUser:    rt.onAskUser,
		Compaction: rt.onCompaction,
		CwdChange:  rt.onCwdChange,
		SessionID:  rt.onSessionID,
	})

	rt.hydrate()
	rt.syncInfo()
	rt.graceTimer = time.AfterFunc(cfg.Session.GracePeriod, func() {
		rt.post(rt.onGraceExpired)
	})

	go rt.loop()
	return rt
}

// hydrate folds the latest surviving session log into the builder so a
// runtime created after a broker restart starts from the recorded history.
func (rt *Runtime) hydrate() {
	sid, _ := scan.LatestSession(rt.path)
	if sid == "" || scan.HasExitMarker(rt.path, sid) {
		return
	}
	rt.builder.SetReplay(true)
	if err := rt.builder.FoldLogFile(scan.SessionLogPath(rt.path, sid)); err != nil {
		rt.log.WithError(err).Warn("replaying session log")
	}
	rt.builder.SetReplay(false)
	if rt.builder.SessionID() == "" {
		rt.builder.SetSessionID(sid)
	}
	rt.resumable = true
	if s := rt.builder.State(); len(s.Messages) > 0 {
		rt.builder.AddSyntheticMessage("system",
			"Conversation restored from the session log after a restart.")
	}
	rt.log.WithField("sessionId", rt.builder.SessionID()).Info("re-hydrated session state")
}

func (rt *Runtime) loop() {
	for {
		select {
		case fn := <-rt.cmds:
			fn()
			rt.syncInfo()
		case <-rt.done:
			return
		}
	}
}

// post schedules fn on the runtime goroutine. Posts after teardown are
// silently dropped.
func (rt *Runtime) post(fn func()) {
	select {
	case rt.cmds <- fn:
	case <-rt.done:
	}
}

// call runs fn on the runtime goroutine and waits for it. False means the
// runtime stopped, or ctx expired, before fn ran.
func (rt *Runtime) call(ctx context.Context, fn func()) bool {
	started := make(chan struct{})
	ran := make(chan struct{})
	rt.post(func() {
		close(started)
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-rt.done:
		// Teardown may run inside fn itself, closing done before ran.
		// If fn already started it runs to completion.
		select {
		case <-started:
			<-ran
			return true
		default:
			return false
		}
	case <-ctx.Done():
		return false
	}
}

func (rt *Runtime) Folder() string { return rt.folder }

// Info is the scanner's thread-safe view of this runtime.
func (rt *Runtime) Info() scan.LiveSession {
	rt.infoMu <- struct{}{}
	info := rt.info
	<-rt.infoMu
	return info
}

// ChildPID returns the live child's pid and spawn time, or zeroes.
func (rt *Runtime) ChildPID() (int, time.Time) {
	rt.infoMu <- struct{}{}
	pid, at := rt.childPID, rt.childSpawnedAt
	<-rt.infoMu
	return pid, at
}

func (rt *Runtime) syncInfo() {
	rt.infoMu <- struct{}{}
	rt.info = scan.LiveSession{
		SessionID:      rt.builder.SessionID(),
		TurnInProgress: rt.turn,
		ContextPercent: rt.builder.ContextPercent(),
	}
	if rt.child != nil {
		rt.childPID = rt.child.pid
		rt.childSpawnedAt = rt.spawnedAt
	} else {
		rt.childPID = 0
		rt.childSpawnedAt = time.Time{}
	}
	<-rt.infoMu
}

// notifyChanged publishes fresh info before firing the hook, so the
// recorder reading pid and turn state through Info never observes the
// pre-transition values.
func (rt *Runtime) notifyChanged() {
	rt.syncInfo()
	if rt.hooks.Changed != nil {
		rt.hooks.Changed()
	}
}

// ---- fan-out ----

func (rt *Runtime) broadcast(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		rt.log.WithError(err).WithField("kind", kind).Error("marshaling frame")
		return
	}
	f := Frame{Seq: rt.ring.next(), Type: kind, Folder: rt.folder, Data: data}
	rt.ring.append(f)
	for sub := range rt.subs {
		if !sub.push(f) {
			rt.dropSubscriber(sub)
		}
	}
}

// sendDirect delivers a client-specific frame outside the replay ring. It
// carries the current sequence position so the client's last-event-id
// stays aligned with broadcast frames.
func (rt *Runtime) sendDirect(sub *Subscriber, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		rt.log.WithError(err).WithField("kind", kind).Error("marshaling frame")
		return
	}
	f := Frame{Seq: rt.ring.seq, Type: kind, Folder: rt.folder, Data: data}
	if !sub.push(f) {
		rt.dropSubscriber(sub)
	}
}

func (rt *Runtime) dropSubscriber(sub *Subscriber) {
	if _, ok := rt.subs[sub]; !ok {
		return
	}
	delete(rt.subs, sub)
	sub.close()
	rt.log.Warn("dropped slow subscriber")
	rt.afterDetach()
}

// Attach registers a transport. The client receives a full state snapshot,
// then, when lastSeq still falls inside the replay ring, the missed frames
// bracketed by history markers.
func (rt *Runtime) Attach(sub *Subscriber, lastSeq uint64) error {
	ok := rt.call(context.Background(), func() {
		if rt.graceTimer != nil {
			rt.graceTimer.Stop()
			rt.graceTimer = nil
		}
		rt.subs[sub] = struct{}{}
		rt.builder.SetConnected(true)
		rt.sendDirect(sub, FrameState, rt.builder.State())
		missed, replayable := rt.ring.since(lastSeq)
		if replayable && len(missed) > 0 {
			rt.sendDirect(sub, FrameHistoryStart, map[string]uint64{"fromSeq": lastSeq})
			for _, f := range missed {
				if !sub.push(f) {
					rt.dropSubscriber(sub)
					return
				}
			}
			rt.sendDirect(sub, FrameHistoryEnd, map[string]uint64{"seq": rt.ring.seq})
		}
	})
	if !ok {
		return ErrStopped
	}
	return nil
}

// Detach removes a transport. The last detach arms the grace timer.
func (rt *Runtime) Detach(sub *Subscriber) {
	rt.post(func() {
		if _, ok := rt.subs[sub]; !ok {
			return
		}
		delete(rt.subs, sub)
		sub.close()
		rt.afterDetach()
	})
}

func (rt *Runtime) afterDetach() {
	if len(rt.subs) > 0 {
		return
	}
	rt.builder.SetConnected(false)
	if rt.graceTimer != nil {
		rt.graceTimer.Stop()
	}
	rt.graceTimer = time.AfterFunc(rt.cfg.Session.GracePeriod, func() {
		rt.post(rt.onGraceExpired)
	})
}

func (rt *Runtime) onGraceExpired() {
	if len(rt.subs) > 0 {
		return
	}
	rt.log.Info("grace period expired, releasing runtime")
	rt.teardown()
}

// teardown terminates the child and stops the loop. Runs on the loop.
func (rt *Runtime) teardown() {
	if rt.stopped {
		return
	}
	rt.stopped = true
	if rt.child != nil {
		rt.child.terminate(rt.cfg.Session.KillEscalation)
		rt.child = nil
	}
	for sub := range rt.subs {
		sub.close()
		delete(rt.subs, sub)
	}
	rt.stopTimers()
	rt.syncInfo()
	close(rt.done)
	if rt.hooks.Expired != nil {
		rt.hooks.Expired(rt)
	}
}

func (rt *Runtime) stopTimers() {
	for _, t := range []*time.Timer{rt.graceTimer, rt.initTimer, rt.flushTimer} {
		if t != nil {
			t.Stop()
		}
	}
	rt.graceTimer, rt.initTimer, rt.flushTimer = nil, nil, nil
}

// Shutdown releases the runtime during broker shutdown.
func (rt *Runtime) Shutdown() {
	rt.post(rt.teardown)
	<-rt.done
}

// ---- prompting ----

// SubmitPrompt delivers or queues one user turn. It blocks until the
// runtime acknowledges or ctx expires.
func (rt *Runtime) SubmitPrompt(ctx context.Context, p Prompt) (PromptAck, error) {
	var ack PromptAck
	var err error
	if !rt.call(ctx, func() { ack, err = rt.doPrompt(p) }) {
		if ctx.Err() != nil {
			return PromptAck{}, ctx.Err()
		}
		return PromptAck{}, ErrStopped
	}
	return ack, err
}

func (rt *Runtime) doPrompt(p Prompt) (PromptAck, error) {
	if rt.turn || len(rt.queue) > 0 {
		rt.queue = append(rt.queue, p)
		return PromptAck{Queued: true, Position: len(rt.queue)}, nil
	}
	if rt.child == nil {
		if err := rt.spawn(); err != nil {
			return PromptAck{}, err
		}
	}
	if err := rt.deliver(p); err != nil {
		return PromptAck{}, err
	}
	return PromptAck{}, nil
}

// deliver writes the prompt envelope on the child's stdin and opens a turn.
func (rt *Runtime) deliver(p Prompt) error {
	content := rt.promptContent(p)
	envelope := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := rt.child.writeLine(data); err != nil {
		return fmt.Errorf("writing prompt to agent: %w", err)
	}
	rt.turn = true
	if len(rt.subs) == 0 {
		// Headless turn: close stdin so the child drains and exits when done.
		rt.child.closeStdin()
	}
	rt.notifyChanged()
	return nil
}

// promptContent folds the pending context note, if any, into the outgoing
// content. The note is one-shot.
func (rt *Runtime) promptContent(p Prompt) any {
	note := rt.pendingNote
	rt.pendingNote = ""
	if p.Content != nil {
		if note == "" {
			return p.Content
		}
		var blocks []any
		if err := json.Unmarshal(p.Content, &blocks); err != nil {
			return p.Content
		}
		return append([]any{map[string]any{"type": "text", "text": note}}, blocks...)
	}
	if note != "" {
		return note + "\n\n" + p.Text
	}
	return p.Text
}

// ---- child lifecycle ----

func (rt *Runtime) spawn() error {
	resumeID := ""
	if rt.resumable {
		sid := rt.builder.SessionID()
		if sid != "" && !scan.HasExitMarker(rt.path, sid) {
			resumeID = sid
		}
	}

	c, err := spawnChild(childOptions{
		command:   rt.cfg.Agent.Command,
		args:      rt.cfg.Agent.Args,
		dir:       rt.path,
		resumeID:  resumeID,
		stderrMax: rt.cfg.Session.StderrRing,
		log:       rt.log,
		onEvent:   func(ev protocol.Event) { rt.post(func() { rt.handleEvent(ev) }) },
		onExit:    func(e childExit) { rt.post(func() { rt.handleExit(e) }) },
	})
	if err != nil {
		return fmt.Errorf("spawning agent: %w", err)
	}
	rt.child = c
	rt.spawnedAt = time.Now()
	rt.phase = phaseSpawning
	rt.initTimer = time.AfterFunc(rt.cfg.Session.InitDeadline, func() {
		rt.post(rt.onInitTimeout)
	})
	rt.notifyChanged()
	return nil
}

// onInitTimeout fires when the child never produced its init event. The
// child is killed and the runtime returns to a resumable idle state.
func (rt *Runtime) onInitTimeout() {
	if rt.phase != phaseSpawning || rt.child == nil {
		return
	}
	tail := rt.child.stderrTail()
	rt.log.WithField("stderr", tail).Error("agent did not initialise in time")
	rt.child.terminate(rt.cfg.Session.KillEscalation)
	rt.child = nil
	rt.phase = phaseIdle
	rt.turn = false
	rt.queue = nil

	msg := "The agent did not initialise within the deadline."
	if tail != "" {
		msg += "\n\n" + tail
	}
	rt.builder.AddSyntheticMessage("system", msg)
	rt.broadcast(FrameState, rt.builder.State())
	rt.notifyChanged()
}

// Abort kills the current child. The exit path synthesises the turn result
// and leaves state consistent for a follow-up prompt on a fresh child.
func (rt *Runtime) Abort() {
	rt.post(func() {
		if rt.child == nil {
			return
		}
		rt.log.Info("aborting turn")
		rt.child.terminate(rt.cfg.Session.KillEscalation)
	})
}

// Exit closes the session deliberately: exit marker written, child killed,
// clients told, runtime released. The session must never be resumed.
func (rt *Runtime) Exit() error {
	var err error
	ok := rt.call(context.Background(), func() {
		if sid := rt.builder.SessionID(); sid != "" {
			err = scan.WriteExitMarker(rt.path, sid)
		}
		rt.queue = nil
		rt.broadcast(FrameSessionClosed, map[string]bool{"deliberate": true})
		rt.teardown()
	})
	if !ok {
		return ErrStopped
	}
	return err
}

func (rt *Runtime) handleExit(e childExit) {
	if rt.child == nil {
		// Already torn down or replaced.
		return
	}
	tail := rt.child.stderrTail()
	wasTurn := rt.turn
	rt.child = nil
	rt.phase = phaseIdle
	rt.turn = false

	if wasTurn {
		rt.drainConflator()
		// A signal means somebody aborted the turn; anything else, exit
		// code zero included, is the child dying mid-turn.
		subtype := protocol.ResultError
		if e.signaled {
			subtype = protocol.ResultAborted
		} else {
			msg := "The agent exited unexpectedly."
			if tail != "" {
				msg += "\n\n" + tail
			}
			rt.builder.AddSyntheticMessage("system", msg)
		}
		rt.builder.Handle(protocol.Event{
			Kind:   protocol.TurnResult,
			Result: &protocol.TurnResultPayload{Subtype: subtype},
		})
	}

	errText := ""
	if e.err != nil {
		errText = e.err.Error()
	}
	rt.broadcast(FrameProcessExit, map[string]any{
		"signaled": e.signaled,
		"error":    errText,
	})
	rt.broadcast(FrameState, rt.builder.State())
	rt.notifyChanged()

	// A queued prompt restarts on a fresh child.
	rt.deliverNextQueued()
}

func (rt *Runtime) deliverNextQueued() {
	if rt.turn || len(rt.queue) == 0 {
		return
	}
	next := rt.queue[0]
	rt.queue = rt.queue[1:]
	if rt.child == nil {
		if err := rt.spawn(); err != nil {
			rt.log.WithError(err).Error("respawning for queued prompt")
			rt.queue = nil
			return
		}
	}
	if err := rt.deliver(next); err != nil {
		rt.log.WithError(err).Error("delivering queued prompt")
	}
}

// ---- event handling ----

func (rt *Runtime) handleEvent(ev protocol.Event) {
	if ev.Kind == protocol.BlockDelta && ev.Delta != nil {
		rt.conflator.Add(ev.Delta)
		if rt.flushTimer == nil {
			rt.flushTimer = time.AfterFunc(rt.cfg.Session.FlushInterval, func() {
				rt.post(rt.flush)
			})
		}
		return
	}

	// Conflated deltas always flush before any non-delta event so clients
	// never observe effects out of order.
	rt.drainConflator()

	switch ev.Kind {
	case protocol.SystemInit:
		if rt.initTimer != nil {
			rt.initTimer.Stop()
			rt.initTimer = nil
		}
		rt.phase = phaseReady
		rt.resumable = true
	case protocol.TurnResult:
		rt.builder.Handle(ev)
		rt.finishTurn()
		return
	}

	rt.builder.Handle(ev)
}

func (rt *Runtime) flush() {
	rt.flushTimer = nil
	rt.drainConflator()
}

func (rt *Runtime) drainConflator() {
	if rt.flushTimer != nil {
		rt.flushTimer.Stop()
		rt.flushTimer = nil
	}
	for _, d := range rt.conflator.Drain() {
		rt.builder.Handle(protocol.Event{Kind: protocol.BlockDelta, Delta: d})
	}
}

func (rt *Runtime) finishTurn() {
	rt.turn = false

	// A turn that produced no content usually means a local slash command:
	// its output only lands in the session log.
	if !rt.builder.LastTurnHadContent() {
		if sid := rt.builder.SessionID(); sid != "" {
			if out, ok := session.LatestLocalCommandOutput(scan.SessionLogPath(rt.path, sid)); ok {
				rt.builder.AddSyntheticMessage("command-output", out)
			}
		}
	}

	rt.broadcast(FrameState, rt.builder.State())
	rt.notifyChanged()
	rt.deliverNextQueued()
}

// ---- builder callbacks (all fire on the loop goroutine) ----

func (rt *Runtime) onDelta(d session.Delta) {
	rt.broadcast(FrameDelta, d)
	if d.Type == "activity" {
		rt.updateContextBand()
	}
}

// updateContextBand arms a one-shot prompt note when remaining context
// first crosses the amber or red threshold.
func (rt *Runtime) updateContextBand() {
	remaining := 100 - rt.builder.ContextPercent()
	next := bandNormal
	switch {
	case remaining <= rt.cfg.Models.RedPercent:
		next = bandRed
	case remaining <= rt.cfg.Models.AmberPercent:
		next = bandAmber
	}
	if next <= rt.band {
		return
	}
	rt.band = next
	switch next {
	case bandAmber:
		rt.pendingNote = fmt.Sprintf(
			"Note: the context window is filling up (about %d%% remaining). Consider finishing the current task or writing a handoff note.",
			remaining)
	case bandRed:
		rt.pendingNote = fmt.Sprintf(
			"Warning: the context window is nearly exhausted (about %d%% remaining). Wrap up now and write a handoff note.",
			remaining)
	}
}

func (rt *Runtime) onAskUser(toolID, name, input string) {
	rt.broadcast(FrameAskUser, map[string]string{
		"toolId": toolID,
		"name":   name,
		"input":  input,
	})
}

func (rt *Runtime) onCompaction() {
	rt.log.Info("context compaction detected")
	rt.band = bandNormal
	rt.pendingNote = ""
}

func (rt *Runtime) onCwdChange(cwd string) {
	rt.log.WithField("cwd", cwd).Warn("agent changed working directory")
}

func (rt *Runtime) onSessionID(id string) {
	rt.log.WithField("sessionId", id).Debug("session id bound")
	rt.notifyChanged()
}

// SessionID returns the current session id, or empty before first init.
func (rt *Runtime) SessionID() string {
	return rt.Info().SessionID
}

// Resumable reports whether a prompt would resume the prior conversation.
func (rt *Runtime) Resumable() bool {
	var v bool
	rt.call(context.Background(), func() { v = rt.resumable })
	return v
}
