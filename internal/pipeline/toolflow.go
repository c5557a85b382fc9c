package pipeline

import (
	"context"
	"fmt"

	"github.com/MrWong99/telvox/internal/tools"
	"github.com/MrWong99/telvox/pkg/provider/llm"
)

// Finish records the reply's outcome in the conversation history. Call it
// exactly once per reply, after the frame stream has drained: a cancelled
// reply records its partial text annotated as interrupted; a reply that
// ended in tool calls records the spoken preamble with the calls so
// ExecuteTools can attach the results.
func (p *Pipeline) Finish(ctx context.Context, r *Reply) {
	switch {
	case r.Cancelled():
		p.hist.AddInterrupted(ctx, r.Text())
	case len(r.ToolCalls()) > 0:
		p.hist.AddToolCall(ctx, r.Text(), r.ToolCalls())
	case r.Text() != "":
		p.hist.AddAssistant(ctx, r.Text())
	}
}

// ToolOutcome reports what tool execution decided about the session.
type ToolOutcome struct {
	// EndSession is set when a call-control tool ran cleanly: the session
	// moves to its ending phase instead of playing a follow-up.
	EndSession bool

	// FollowUp is the next reply when the tool results feed another model
	// round. Nil when EndSession is set.
	FollowUp *Reply
}

// ExecuteTools runs the tool calls recorded on r in order, appends each
// result to the conversation history and decides the next step. Callers
// gate this on the playback-safe acknowledgement so a tool with audible
// side effects never fires while reply audio is still in flight. The
// context must carry the session's [tools.CallBinding] for the built-in
// call-control tools to resolve their target.
func (p *Pipeline) ExecuteTools(ctx context.Context, r *Reply) (ToolOutcome, error) {
	calls := r.ToolCalls()
	if len(calls) == 0 {
		return ToolOutcome{}, nil
	}

	var outcome ToolOutcome
	for _, call := range calls {
		content, ok := p.executeOne(ctx, call)
		p.hist.AddToolResult(ctx, call, content)
		if ok && (call.Name == tools.ToolTransferCall || call.Name == tools.ToolHangupCall) {
			outcome.EndSession = true
		}
	}
	if outcome.EndSession {
		return outcome, nil
	}

	followUp, err := p.generate(ctx, r.UtteranceID, r.round+1)
	if err != nil {
		return outcome, err
	}
	outcome.FollowUp = followUp
	return outcome, nil
}

// executeOne runs a single call through the host. Failures become tool-role
// results so the model can react in the follow-up round; ok reports a clean
// execution.
func (p *Pipeline) executeOne(ctx context.Context, call llm.ToolCall) (content string, ok bool) {
	if p.host == nil {
		return "tool execution is not available", false
	}
	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	result, err := p.host.ExecuteTool(ctx, call.Name, args)
	if err != nil {
		p.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("tool %s failed: %v", call.Name, err), false
	}
	if result.IsError {
		return result.Content, false
	}
	return result.Content, true
}
