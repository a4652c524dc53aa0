package gpuq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/darkroom"
	"github.com/xraph/darkroom/gpuq"
)

func TestMemory_SendAndReceive(t *testing.T) {
	m := gpuq.NewMemory()
	ctx := context.Background()

	if err := m.Send(ctx, &gpuq.Message{JobID: "job-1"}, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-m.Receive():
		if msg.JobID != "job-1" {
			t.Errorf("JobID = %q, want job-1", msg.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestMemory_DedupeWindowSuppressesRepeats(t *testing.T) {
	m := gpuq.NewMemory(gpuq.WithBuffer(4))
	ctx := context.Background()

	if err := m.Send(ctx, &gpuq.Message{JobID: "job-1"}, "execute-job-1"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := m.Send(ctx, &gpuq.Message{JobID: "job-1"}, "execute-job-1"); err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if got := len(m.Receive()); got != 1 {
		t.Errorf("buffered messages = %d, want 1", got)
	}
}

func TestMemory_SendAfterClose(t *testing.T) {
	m := gpuq.NewMemory()
	m.Close()
	err := m.Send(context.Background(), &gpuq.Message{JobID: "job-1"}, "")
	if !errors.Is(err, darkroom.ErrChannelClosed) {
		t.Errorf("Send err = %v, want ErrChannelClosed", err)
	}
}

func TestMemory_CloseWakesBlockedSender(t *testing.T) {
	m := gpuq.NewMemory(gpuq.WithBuffer(1))
	ctx := context.Background()

	if err := m.Send(ctx, &gpuq.Message{JobID: "job-1"}, ""); err != nil {
		t.Fatalf("fill buffer: %v", err)
	}

	// Second send blocks on the full buffer until Close wakes it.
	sent := make(chan error, 1)
	go func() {
		sent <- m.Send(ctx, &gpuq.Message{JobID: "job-2"}, "")
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-sent:
		if !errors.Is(err, darkroom.ErrChannelClosed) {
			t.Errorf("blocked Send err = %v, want ErrChannelClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Send never returned after Close")
	}

	// The buffered message is still readable, then the channel closes.
	msg, ok := <-m.Receive()
	if !ok || msg.JobID != "job-1" {
		t.Fatalf("first receive = %v/%v, want job-1", msg, ok)
	}
	if _, ok := <-m.Receive(); ok {
		t.Error("channel still open after draining")
	}
}

func TestMemory_CloseTwice(t *testing.T) {
	m := gpuq.NewMemory()
	m.Close()
	m.Close()
}
