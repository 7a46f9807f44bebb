package streamer

import (
	"testing"

	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
)

func newTestBlock(t *testing.T, size int) *mblk.Block {
	t.Helper()
	blk, err := mblk.New("stream", size, mblk.Bidirectional, 1)
	if err != nil {
		t.Fatal(err)
	}
	return blk
}

func TestDefaultLayoutRejectsTooSmallBlock(t *testing.T) {
	if _, err := DefaultLayout(minBlockSize - 1); err == nil {
		t.Fatal("expected an error for a block smaller than the minimum")
	}
	layout, err := DefaultLayout(minBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if layout.Size != 1 {
		t.Fatalf("ring size = %d, want 1", layout.Size)
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	blk := newTestBlock(t, 32)
	layout, err := DefaultLayout(blk.Size())
	if err != nil {
		t.Fatal(err)
	}
	s := New(blk, layout)

	n, err := s.Write([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("wrote %d bytes, want 5", n)
	}
	if got := s.Available(); got != 5 {
		t.Fatalf("Available() = %d, want 5", got)
	}

	buf := make([]byte, 5)
	n, err = s.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("read %q (n=%d), want %q", buf[:n], n, "hello")
	}
	if got := s.Available(); got != 0 {
		t.Fatalf("Available() after drain = %d, want 0", got)
	}
}

func TestReadOnEmptyRingReturnsErrEmpty(t *testing.T) {
	blk := newTestBlock(t, 32)
	layout, _ := DefaultLayout(blk.Size())
	s := New(blk, layout)

	n, err := s.Read(make([]byte, 4))
	if err != ErrEmpty || n != 0 {
		t.Fatalf("got n=%d err=%v, want n=0 err=ErrEmpty", n, err)
	}
}

func TestWriteFillsRingAndReportsErrFull(t *testing.T) {
	// Data region is blk.Size()-10 bytes; ring keeps one byte free.
	blk := newTestBlock(t, 24)
	layout, _ := DefaultLayout(blk.Size())
	s := New(blk, layout)

	payload := make([]byte, layout.Size) // one more byte than fits
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := s.Write(payload)
	if err != ErrFull {
		t.Fatalf("err = %v, want ErrFull", err)
	}
	if n != layout.Size-1 {
		t.Fatalf("wrote %d bytes, want %d", n, layout.Size-1)
	}
}

func TestWriteWrapsAroundRingBoundary(t *testing.T) {
	blk := newTestBlock(t, 24)
	layout, _ := DefaultLayout(blk.Size())
	s := New(blk, layout)

	// Prime the ring near the end so the second write wraps.
	first := make([]byte, layout.Size-2)
	if _, err := s.Write(first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(make([]byte, len(first))); err != nil {
		t.Fatal(err)
	}

	wrapped := []byte("wrap!")
	n, err := s.Write(wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(wrapped) {
		t.Fatalf("wrote %d bytes, want %d", n, len(wrapped))
	}

	out := make([]byte, len(wrapped))
	if _, err := s.Read(out); err != nil {
		t.Fatal(err)
	}
	if string(out) != "wrap!" {
		t.Fatalf("read %q after wraparound, want %q", out, "wrap!")
	}
}

func TestSetStateAndStateRoundTrip(t *testing.T) {
	blk := newTestBlock(t, 32)
	layout, _ := DefaultLayout(blk.Size())
	s := New(blk, layout)

	if got := s.State(); got != Idle {
		t.Fatalf("initial State() = %v, want Idle", got)
	}
	s.SetState(Running)
	if got := s.State(); got != Running {
		t.Fatalf("State() = %v, want Running", got)
	}
}

func TestOpenPublishesRunningState(t *testing.T) {
	blk := newTestBlock(t, 32)
	layout, _ := DefaultLayout(blk.Size())
	sess := Open(blk, layout, DeviceEnd)
	if got := sess.State(); got != Running {
		t.Fatalf("State() after Open = %v, want Running", got)
	}
	if sess.TimedOut() {
		t.Fatal("freshly opened session reported TimedOut")
	}
}

func TestSessionCloseMarksCompleted(t *testing.T) {
	blk := newTestBlock(t, 32)
	layout, _ := DefaultLayout(blk.Size())
	sess := Open(blk, layout, ControllerEnd)
	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}
	if got := sess.State(); got != Completed {
		t.Fatalf("State() after Close = %v, want Completed", got)
	}
}

func TestSessionWriteRefusedAfterTimeout(t *testing.T) {
	blk := newTestBlock(t, 32)
	layout, _ := DefaultLayout(blk.Size())
	sess := Open(blk, layout, DeviceEnd)
	sess.deadline = sess.deadline.Add(-2 * Timeout) // force expiry

	if _, err := sess.Write([]byte("x")); err == nil {
		t.Fatal("expected Write to refuse after timeout")
	}
	if got := sess.State(); got != Interrupt {
		t.Fatalf("State() after timed-out Write = %v, want Interrupt", got)
	}
}
