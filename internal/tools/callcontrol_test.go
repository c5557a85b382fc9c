package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	telephonymock "github.com/MrWong99/telvox/pkg/telephony/mock"
)

// newCallControlHost returns a host with the call-control tools registered
// and a context bound to the given mock sink.
func newCallControlHost(t *testing.T, ctrl *telephonymock.CallControl, fallback string) (*Host, context.Context) {
	t.Helper()
	h := NewHost()
	t.Cleanup(func() { h.Close() })
	if err := RegisterCallControlTools(h); err != nil {
		t.Fatalf("RegisterCallControlTools: %v", err)
	}
	ctx := WithCallBinding(context.Background(), CallBinding{
		Control:             ctrl,
		ChannelID:           "chan-1",
		FallbackDestination: fallback,
	})
	return h, ctx
}

// TestCallBindingRoundTrip verifies context attach and extract.
func TestCallBindingRoundTrip(t *testing.T) {
	t.Parallel()

	if _, ok := CallBindingFrom(context.Background()); ok {
		t.Error("empty context should carry no binding")
	}

	want := CallBinding{ChannelID: "chan-9", FallbackDestination: "tel:+1"}
	ctx := WithCallBinding(context.Background(), want)
	got, ok := CallBindingFrom(ctx)
	if !ok {
		t.Fatal("binding not found")
	}
	if got.ChannelID != want.ChannelID || got.FallbackDestination != want.FallbackDestination {
		t.Errorf("binding = %+v, want %+v", got, want)
	}
}

// TestCatalogueIncludesCallControlTools verifies both tools register.
func TestCatalogueIncludesCallControlTools(t *testing.T) {
	t.Parallel()
	h, _ := newCallControlHost(t, &telephonymock.CallControl{}, "")

	defs := h.Catalogue()
	if toolNamed(defs, "transfer_call") == nil {
		t.Error("transfer_call not in catalogue")
	}
	if toolNamed(defs, "hangup_call") == nil {
		t.Error("hangup_call not in catalogue")
	}
}

// TestTransferCall verifies an explicit destination reaches the sink.
func TestTransferCall(t *testing.T) {
	t.Parallel()
	ctrl := &telephonymock.CallControl{}
	h, ctx := newCallControlHost(t, ctrl, "tel:+15550000000")

	result, err := h.ExecuteTool(ctx, "transfer_call", `{"destination":"tel:+15551234567","reason":"caller asked for a person"}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content)
	}
	if !strings.Contains(result.Content, "tel:+15551234567") {
		t.Errorf("Content = %q, want the destination echoed", result.Content)
	}

	transfers := ctrl.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(transfers))
	}
	if transfers[0].ChannelID != "chan-1" || transfers[0].Destination != "tel:+15551234567" {
		t.Errorf("transfer = %+v", transfers[0])
	}
}

// TestTransferCallDefaultDestination verifies the configured fallback is used
// when the LLM omits a destination.
func TestTransferCallDefaultDestination(t *testing.T) {
	t.Parallel()
	ctrl := &telephonymock.CallControl{}
	h, ctx := newCallControlHost(t, ctrl, "tel:+15550000000")

	result, err := h.ExecuteTool(ctx, "transfer_call", "{}")
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content)
	}

	transfers := ctrl.Transfers()
	if len(transfers) != 1 || transfers[0].Destination != "tel:+15550000000" {
		t.Errorf("transfers = %+v, want the fallback destination", transfers)
	}
}

// TestTransferCallNoDestination verifies the tool fails when neither the args
// nor the config name a destination.
func TestTransferCallNoDestination(t *testing.T) {
	t.Parallel()
	ctrl := &telephonymock.CallControl{}
	h, ctx := newCallControlHost(t, ctrl, "")

	result, err := h.ExecuteTool(ctx, "transfer_call", "{}")
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError for missing destination")
	}
	if !strings.Contains(result.Content, "destination") {
		t.Errorf("Content = %q, want mention of destination", result.Content)
	}
	if len(ctrl.Transfers()) != 0 {
		t.Error("sink should not have been called")
	}
}

// TestTransferCallNoBinding verifies execution without a call binding fails
// as a tool error, not a transport error.
func TestTransferCallNoBinding(t *testing.T) {
	t.Parallel()
	h, _ := newCallControlHost(t, &telephonymock.CallControl{}, "")

	result, err := h.ExecuteTool(context.Background(), "transfer_call", `{"destination":"tel:+1"}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError without a binding")
	}
	if !strings.Contains(result.Content, "not available") {
		t.Errorf("Content = %q", result.Content)
	}
}

// TestTransferCallSinkError verifies sink failures surface as tool errors.
func TestTransferCallSinkError(t *testing.T) {
	t.Parallel()
	ctrl := &telephonymock.CallControl{TransferErr: errors.New("trunk busy")}
	h, ctx := newCallControlHost(t, ctrl, "")

	result, err := h.ExecuteTool(ctx, "transfer_call", `{"destination":"tel:+1"}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError when the sink fails")
	}
	if !strings.Contains(result.Content, "transfer failed") {
		t.Errorf("Content = %q", result.Content)
	}
}

// TestTransferCallBadArgs verifies malformed JSON args fail as a tool error.
func TestTransferCallBadArgs(t *testing.T) {
	t.Parallel()
	ctrl := &telephonymock.CallControl{}
	h, ctx := newCallControlHost(t, ctrl, "")

	result, err := h.ExecuteTool(ctx, "transfer_call", `{"destination":`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError for malformed args")
	}
}

// TestHangupCall verifies the hangup path.
func TestHangupCall(t *testing.T) {
	t.Parallel()
	ctrl := &telephonymock.CallControl{}
	h, ctx := newCallControlHost(t, ctrl, "")

	result, err := h.ExecuteTool(ctx, "hangup_call", "{}")
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", result.Content)
	}

	hangups := ctrl.Hangups()
	if len(hangups) != 1 || hangups[0] != "chan-1" {
		t.Errorf("hangups = %v, want [chan-1]", hangups)
	}
}

// TestHangupCallNoBinding verifies hangup without a binding fails as a tool
// error.
func TestHangupCallNoBinding(t *testing.T) {
	t.Parallel()
	h, _ := newCallControlHost(t, &telephonymock.CallControl{}, "")

	result, err := h.ExecuteTool(context.Background(), "hangup_call", "{}")
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError without a binding")
	}
}
