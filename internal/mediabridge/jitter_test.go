package mediabridge

import (
	"bytes"
	"testing"
)

func TestJitterBufferPrimesAtTarget(t *testing.T) {
	t.Parallel()
	jb := &jitterBuffer{}
	jb.expect(1)

	accepted, overflowed := jb.push(1, []byte{0x01}, false)
	if !accepted || overflowed {
		t.Fatalf("push = (%v, %v), want (true, false)", accepted, overflowed)
	}
	if _, _, ok := jb.pop(); ok {
		t.Fatal("pop before priming returned a frame")
	}

	jb.push(1, []byte{0x02}, false)
	payload, eos, ok := jb.pop()
	if !ok || eos {
		t.Fatalf("pop = (eos=%v, ok=%v), want primed frame", eos, ok)
	}
	if !bytes.Equal(payload, []byte{0x01}) {
		t.Fatalf("pop returned %v, want first frame", payload)
	}
}

func TestJitterBufferEndOfStreamPrimesImmediately(t *testing.T) {
	t.Parallel()
	jb := &jitterBuffer{}
	jb.expect(7)

	if accepted, _ := jb.push(7, nil, true); !accepted {
		t.Fatal("end-of-stream push rejected")
	}
	_, eos, ok := jb.pop()
	if !ok || !eos {
		t.Fatalf("pop = (eos=%v, ok=%v), want end of stream", eos, ok)
	}
	if accepted, _ := jb.push(7, []byte{0x01}, false); accepted {
		t.Fatal("push accepted after end of stream drained")
	}
}

func TestJitterBufferRejectsWrongStream(t *testing.T) {
	t.Parallel()
	jb := &jitterBuffer{}
	jb.expect(3)

	if accepted, _ := jb.push(4, []byte{0x01}, false); accepted {
		t.Fatal("push accepted for a stream the buffer is not expecting")
	}
	if accepted, _ := jb.push(3, []byte{0x01}, false); !accepted {
		t.Fatal("push rejected for the expected stream")
	}
}

func TestJitterBufferOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	jb := &jitterBuffer{}
	jb.expect(1)

	for i := 0; i < jitterMax; i++ {
		if _, overflowed := jb.push(1, []byte{byte(i)}, false); overflowed {
			t.Fatalf("push %d overflowed below capacity", i)
		}
	}
	if _, overflowed := jb.push(1, []byte{byte(jitterMax)}, false); !overflowed {
		t.Fatal("push at capacity did not report overflow")
	}
	if got := jb.depth(); got != jitterMax {
		t.Fatalf("depth = %d, want %d", got, jitterMax)
	}
	if got := jb.droppedFrames(); got != 1 {
		t.Fatalf("droppedFrames = %d, want 1", got)
	}

	// Frame 0 was dropped, so draining starts at frame 1.
	for want := 1; want <= jitterMax; want++ {
		payload, eos, ok := jb.pop()
		if !ok || eos {
			t.Fatalf("pop %d = (eos=%v, ok=%v)", want, eos, ok)
		}
		if payload[0] != byte(want) {
			t.Fatalf("pop returned frame %d, want %d", payload[0], want)
		}
	}
}

func TestJitterBufferFlushDiscardsAndCloses(t *testing.T) {
	t.Parallel()
	jb := &jitterBuffer{}
	jb.expect(1)
	jb.push(1, []byte{0x01}, false)
	jb.push(1, []byte{0x02}, false)

	if got := jb.flush(); got != 2 {
		t.Fatalf("flush = %d, want 2", got)
	}
	if _, _, ok := jb.pop(); ok {
		t.Fatal("pop returned a frame after flush")
	}
	if accepted, _ := jb.push(1, []byte{0x03}, false); accepted {
		t.Fatal("push accepted after flush")
	}

	// The next response re-arms the buffer.
	jb.expect(2)
	if accepted, _ := jb.push(2, []byte{0x04}, false); !accepted {
		t.Fatal("push rejected after re-arming")
	}
}
