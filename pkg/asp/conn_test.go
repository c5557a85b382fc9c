package asp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/telvox/pkg/asp"
)

// dialPair spins up an in-process WebSocket endpoint and returns both ends of
// one ASP connection.
func dialPair(t *testing.T) (client, server *asp.Conn) {
	t.Helper()

	accepted := make(chan *asp.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := asp.Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := asp.Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("server side never accepted")
	}
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestConn_ControlRoundTrip(t *testing.T) {
	client, server := dialPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caps := &asp.Capabilities{
		SampleRates: []int{8000, 16000},
		Encodings:   []string{"pcm_s16le", "mulaw"},
		Features:    []string{asp.FeatureBargeIn, asp.FeatureStreamingTTS},
	}
	if err := server.WriteControl(ctx, caps); err != nil {
		t.Fatalf("write capabilities: %v", err)
	}

	pkt, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, ok := pkt.Msg.(*asp.Capabilities)
	if !ok {
		t.Fatalf("expected *Capabilities, got %T", pkt.Msg)
	}
	if got.Seq != 1 {
		t.Errorf("first control seq: got %d, want 1", got.Seq)
	}
	if got.TimestampMS == 0 {
		t.Error("ts_ms not stamped")
	}
	if len(got.SampleRates) != 2 || got.SampleRates[0] != 8000 {
		t.Errorf("sample rates: %v", got.SampleRates)
	}
}

func TestConn_BindSessionStampsID(t *testing.T) {
	client, server := dialPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client.BindSession("S1")
	if err := client.WriteControl(ctx, &asp.Ping{}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pkt, err := server.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pkt.Msg.(*asp.Ping).SessionID != "S1" {
		t.Errorf("session id not stamped: %+v", pkt.Msg)
	}
}

func TestConn_InterleavedOrderPreserved(t *testing.T) {
	client, server := dialPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := asp.NewOutStream(1, 20)
	if err := server.WriteControl(ctx, &asp.ResponseStart{ResponseID: "R1", StreamID: 1}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := server.WriteFrame(ctx, out.Next(make([]byte, 320))); err != nil {
			t.Fatal(err)
		}
	}
	if err := server.WriteFrame(ctx, out.End()); err != nil {
		t.Fatal(err)
	}
	if err := server.WriteControl(ctx, &asp.ResponseEnd{ResponseID: "R1"}); err != nil {
		t.Fatal(err)
	}

	// The client must observe: response.start, three payload frames, the
	// end-of-stream frame, response.end. Exactly in that order.
	pkt, err := client.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pkt.Msg.(*asp.ResponseStart); !ok {
		t.Fatalf("expected response.start first, got %+v", pkt)
	}
	in := asp.NewInStream(1)
	for i := 0; i < 4; i++ {
		pkt, err = client.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if pkt.Frame == nil {
			t.Fatalf("packet %d: expected frame, got %+v", i, pkt.Msg)
		}
		if err := in.Accept(*pkt.Frame); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if !in.Closed() {
		t.Error("stream not closed after end-of-stream frame")
	}
	pkt, err = client.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pkt.Msg.(*asp.ResponseEnd); !ok {
		t.Fatalf("expected response.end last, got %+v", pkt)
	}
}

func TestConn_SeqIncreasesAcrossMessages(t *testing.T) {
	client, server := dialPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := server.WriteControl(ctx, &asp.Ping{}); err != nil {
			t.Fatal(err)
		}
	}
	var last uint64
	for i := 0; i < 3; i++ {
		pkt, err := client.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		seq := pkt.Msg.(*asp.Ping).Seq
		if seq <= last {
			t.Fatalf("seq %d after %d", seq, last)
		}
		last = seq
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	client, _ := dialPair(t)
	if err := client.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
