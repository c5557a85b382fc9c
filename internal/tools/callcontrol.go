package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/telvox/pkg/provider/llm"
	"github.com/MrWong99/telvox/pkg/telephony"
)

// Names of the built-in call-control tools. The pipeline checks executed
// calls against these to decide whether the session should end.
const (
	ToolTransferCall = "transfer_call"
	ToolHangupCall   = "hangup_call"
)

// CallBinding carries the per-call signalling target for the call-control
// tools. The session layer attaches one to the context before running the
// pipeline; without it, transfer_call and hangup_call fail as tool errors
// and surface to the caller as the spoken fallback.
type CallBinding struct {
	// Control is the signalling sink. Nil when the deployment has no
	// call-control integration.
	Control telephony.CallControl

	// ChannelID identifies the media leg carrying this call.
	ChannelID string

	// FallbackDestination is used when transfer_call is invoked without an
	// explicit destination.
	FallbackDestination string
}

type callBindingKey struct{}

// WithCallBinding returns a context carrying the call's signalling binding.
func WithCallBinding(ctx context.Context, b CallBinding) context.Context {
	return context.WithValue(ctx, callBindingKey{}, b)
}

// CallBindingFrom extracts the binding attached by [WithCallBinding].
func CallBindingFrom(ctx context.Context) (CallBinding, bool) {
	b, ok := ctx.Value(callBindingKey{}).(CallBinding)
	return b, ok
}

// errNoCallControl is returned by the call-control handlers when the context
// carries no usable binding.
var errNoCallControl = errors.New("call control is not available for this call")

// RegisterCallControlTools registers the built-in transfer_call and
// hangup_call tools on h. The handlers resolve their signalling target from
// the per-call [CallBinding] at execution time.
func RegisterCallControlTools(h *Host) error {
	transfer := BuiltinTool{
		Definition: llm.ToolDefinition{
			Name: ToolTransferCall,
			Description: "Transfer the current call to a human agent or another destination. " +
				"Use when the caller asks for a person or the request is out of scope.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"destination": map[string]any{
						"type":        "string",
						"description": "Dial string or queue to transfer to. Omit to use the configured default.",
					},
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason for the transfer, recorded in call logs.",
					},
				},
			},
		},
		Handler: transferCall,
	}
	hangup := BuiltinTool{
		Definition: llm.ToolDefinition{
			Name: ToolHangupCall,
			Description: "End the current call. Use after the caller says goodbye or asks to hang up. " +
				"Say a farewell before calling this tool.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Handler: hangupCall,
	}

	if err := h.RegisterBuiltin(transfer); err != nil {
		return err
	}
	return h.RegisterBuiltin(hangup)
}

func transferCall(ctx context.Context, args string) (string, error) {
	b, ok := CallBindingFrom(ctx)
	if !ok || b.Control == nil {
		return "", errNoCallControl
	}

	var params struct {
		Destination string `json:"destination"`
		Reason      string `json:"reason"`
	}
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return "", fmt.Errorf("invalid transfer_call arguments: %w", err)
		}
	}

	dest := params.Destination
	if dest == "" {
		dest = b.FallbackDestination
	}
	if dest == "" {
		return "", errors.New("no transfer destination given and none configured")
	}

	if err := b.Control.Transfer(ctx, b.ChannelID, dest); err != nil {
		return "", fmt.Errorf("transfer failed: %w", err)
	}
	return fmt.Sprintf("transferring call to %s", dest), nil
}

func hangupCall(ctx context.Context, _ string) (string, error) {
	b, ok := CallBindingFrom(ctx)
	if !ok || b.Control == nil {
		return "", errNoCallControl
	}
	if err := b.Control.Hangup(ctx, b.ChannelID); err != nil {
		return "", fmt.Errorf("hangup failed: %w", err)
	}
	return "call ended", nil
}
