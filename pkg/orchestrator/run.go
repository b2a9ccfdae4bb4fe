package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"conductor/pkg/events"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

// run is the in-memory state of one session's conversation. Fields other than
// id, sessionID, ctx, cancel, done and logger are guarded by Orchestrator.mu.
type run struct {
	id        string
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *logx.Logger

	state      State
	starting   bool
	inTurn     bool
	turnDone   chan struct{}
	finished   bool
	counted    bool
	providerID provider.ID
	model      string
	resumeID   string
	conv       provider.Conversation
	startedAt  time.Time
}

// publish stamps ev with the run id and hands it to the bus.
func (o *Orchestrator) publish(r *run, ev events.Event) (events.Event, error) {
	ev.RunID = r.id
	return o.bus.Publish(r.sessionID, ev)
}

// finish moves r to idle exactly once, closes its conversation and publishes
// the terminal event, if any.
func (o *Orchestrator) finish(r *run, outcome string, terminal *events.Event) {
	o.mu.Lock()
	if r.finished {
		o.mu.Unlock()
		return
	}
	r.finished = true
	o.move(r, StateIdle)
	if o.runs[r.sessionID] == r {
		delete(o.runs, r.sessionID)
	}
	conv, counted, providerID := r.conv, r.counted, r.providerID
	o.mu.Unlock()

	r.cancel()
	if conv != nil {
		if err := conv.Close(); err != nil {
			r.logger.Warn("Failed to close %s conversation: %v", providerID, err)
		}
	}
	if terminal != nil {
		if _, err := o.publish(r, *terminal); err != nil {
			r.logger.Debug("terminal %s event not published: %v", terminal.Type, err)
		}
	}
	if counted {
		o.opts.Recorder.RunEnded(string(providerID), outcome)
	}
	close(r.done)
}

func (o *Orchestrator) isFinished(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return r.finished
}

// runTurn sends one message to the provider and streams its output.
func (o *Orchestrator) runTurn(r *run, turn provider.Turn) {
	o.mu.Lock()
	conv, turnDone := r.conv, r.turnDone
	o.mu.Unlock()

	ctx := r.ctx
	if o.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.TurnTimeout)
		defer cancel()
	}

	start := time.Now()
	rec := &turnRecorder{o: o, r: r, ctx: r.ctx}
	err := conv.SendTurn(ctx, turn, rec.emit)
	rec.flush()
	o.saveResumeID(r, conv.ProviderSessionID())
	elapsed := time.Since(start)

	o.mu.Lock()
	stopping := r.state == StateStopping || r.finished
	r.inTurn = false
	o.mu.Unlock()
	defer close(turnDone)

	switch {
	case stopping:
		o.opts.Recorder.ObserveTurn(string(r.providerID), turn.Model, metrics.OutcomeStopped, elapsed)
	case err == nil:
		o.opts.Recorder.ObserveTurn(string(r.providerID), turn.Model, metrics.OutcomeSuccess, elapsed)
		if _, err := o.publish(r, events.Event{
			Type: events.TurnComplete,
			Meta: map[string]string{"duration": elapsed.Round(time.Millisecond).String()},
		}); err != nil {
			r.logger.Debug("turn_complete not published: %v", err)
		}
	default:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			err = fmt.Errorf("turn exceeded %s: %w", o.opts.TurnTimeout, err)
		}
		r.logger.Error("Turn failed: %v", err)
		o.opts.Recorder.ObserveTurn(string(r.providerID), turn.Model, metrics.OutcomeError, elapsed)
		o.finish(r, metrics.OutcomeError, &events.Event{Type: events.Error, Error: err.Error(), Terminal: true})
	}
}

// saveResumeID stores a changed provider session id on the session.
func (o *Orchestrator) saveResumeID(r *run, id string) {
	if id == "" {
		return
	}
	o.mu.Lock()
	changed := id != r.resumeID
	r.resumeID = id
	o.mu.Unlock()
	if !changed {
		return
	}
	if _, err := o.opts.Sessions.Update(context.Background(), r.sessionID, session.Patch{ProviderSessionID: &id}); err != nil {
		r.logger.Warn("Failed to save provider session id: %v", err)
	}
}

// turnRecorder persists and publishes the events of one turn. Agent text is
// buffered and written as one message when a tool event arrives or the turn ends.
type turnRecorder struct {
	o    *Orchestrator
	r    *run
	ctx  context.Context
	text strings.Builder
}

func (t *turnRecorder) emit(ev events.Event) error {
	if t.o.isFinished(t.r) {
		return errRunEnded
	}

	var warnings []string
	switch ev.Type {
	case events.Text:
		t.text.WriteString(ev.Text)
	case events.ToolUse:
		t.flush()
		if ev.Tool != nil {
			if g := t.o.opts.Guard; g != nil {
				if err := g.CheckToolUse(ev.Tool.Name, ev.Tool.Input); err != nil {
					warnings = append(warnings, fmt.Sprintf("%s tried to modify the feature list directly: %v", ev.Tool.Name, err))
				}
			}
			t.persist(session.Message{Role: session.RoleTool, ToolName: ev.Tool.Name, Content: string(ev.Tool.Input)})
		}
	case events.ToolResult:
		t.flush()
		if ev.Tool != nil {
			if restoredFromBackup(ev.Tool) {
				warnings = append(warnings, "feature list was empty and has been restored from its backup")
			}
			t.persist(session.Message{Role: session.RoleTool, ToolName: ev.Tool.Name, Content: ev.Tool.Output})
		}
	}

	if _, err := t.o.publish(t.r, ev); err != nil {
		return err
	}
	for _, w := range warnings {
		t.r.logger.Warn("%s", w)
		if _, err := t.o.publish(t.r, events.Event{Type: events.Warning, Text: w}); err != nil {
			return err
		}
	}
	return nil
}

// flush writes buffered agent text as one message.
func (t *turnRecorder) flush() {
	if t.text.Len() == 0 {
		return
	}
	t.persist(session.Message{Role: session.RoleAgent, Content: t.text.String()})
	t.text.Reset()
}

// persist appends m. Failures are logged; the stream continues.
func (t *turnRecorder) persist(m session.Message) {
	if _, err := t.o.opts.Sessions.AppendMessage(context.WithoutCancel(t.ctx), t.r.sessionID, m); err != nil {
		t.r.logger.Error("Failed to persist %s message: %v", m.Role, err)
	}
}

// restoredFromBackup reports a gateway result whose feature list was restored.
func restoredFromBackup(tool *events.ToolCall) bool {
	if tool.IsError || !strings.HasSuffix(tool.Name, gateway.ToolUpdateFeatureStatus) {
		return false
	}
	var out gateway.UpdateOutput
	if err := json.Unmarshal([]byte(tool.Output), &out); err != nil {
		return false
	}
	return out.Restored
}
