package bus

import (
	"context"
	"testing"
	"time"
)

func TestLoopbackSignalsAndAcquire(t *testing.T) {
	l := NewLoopback()

	l.SetSignal(BSY, true)
	l.SetSignal(REQ, true)
	if !l.GetSignal(BSY) || !l.GetSignal(REQ) {
		t.Fatalf("expected BSY and REQ to read back asserted")
	}
	if l.GetSignal(ACK) {
		t.Fatalf("ACK was never set, expected false")
	}

	mask := l.Acquire()
	want := uint32(1<<uint(BSY) | 1<<uint(REQ))
	if mask != want {
		t.Fatalf("Acquire() = %#x, want %#x", mask, want)
	}

	l.SetData(0x42)
	if l.GetData() != 0x42 {
		t.Fatalf("GetData() = %#x, want 0x42", l.GetData())
	}

	l.Reset()
	if l.GetSignal(BSY) || l.GetSignal(REQ) {
		t.Fatalf("Reset() should clear every signal")
	}
	if l.GetData() != 0 {
		t.Fatalf("Reset() should clear the data bus")
	}
}

func TestLoopbackSelectWaitForSelectionRoundTrip(t *testing.T) {
	l := NewLoopback()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- l.Select(ctx, Selection{InitiatorID: 3, TargetID: 0})
	}()

	sel, err := l.WaitForSelection(ctx)
	if err != nil {
		t.Fatalf("WaitForSelection: %v", err)
	}
	if sel.InitiatorID != 3 || sel.TargetID != 0 {
		t.Fatalf("WaitForSelection() = %+v, want {3 0}", sel)
	}
	if err := <-done; err != nil {
		t.Fatalf("Select: %v", err)
	}
}

func TestLoopbackCloseUnblocksWaiters(t *testing.T) {
	l := NewLoopback()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := l.WaitForSelection(ctx)
		done <- err
	}()

	l.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("WaitForSelection after Close() = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitForSelection did not unblock after Close()")
	}

	if err := l.WaitHandshake(ctx); err != ErrClosed {
		t.Fatalf("WaitHandshake after Close() = %v, want ErrClosed", err)
	}
}
