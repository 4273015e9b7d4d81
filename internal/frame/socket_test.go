package frame

import (
	"net"
	"testing"
	"time"
)

func pipe(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	a, b := net.Pipe()
	return New(a, DefaultMaxFrameBytes), New(b, DefaultMaxFrameBytes)
}

func TestSendRecvFrameRoundTrip(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	want := []byte("hello, odin")
	errCh := make(chan error, 1)
	go func() { errCh <- client.SendFrame(want) }()

	got, err := server.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRecvFrameEmptyPayload(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	go client.SendFrame(nil)
	got, err := server.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestRecvFrameDisconnected(t *testing.T) {
	client, server := pipe(t)
	defer server.Close()

	client.Close()
	if _, err := server.RecvFrame(); err != ErrDisconnected {
		t.Fatalf("got %v, want ErrDisconnected", err)
	}
}

func TestRecvFrameTooLarge(t *testing.T) {
	client, server := New1MBPipe(t)
	defer client.Close()
	defer server.Close()

	big := make([]byte, 2*1024*1024)
	go client.SendFrame(big)

	if _, err := server.RecvFrame(); err != ErrFrameTooLarge {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
}

// New1MBPipe returns a pipe whose server side enforces a 1MiB ceiling,
// used to exercise the reject-oversized-frame path without allocating a
// 16MiB buffer in the test.
func New1MBPipe(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	a, b := net.Pipe()
	return New(a, 1024 * 1024), New(b, 1024*1024)
}

func TestConcurrentSendRecvIndependentMutexes(t *testing.T) {
	client, server := pipe(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			if _, err := server.RecvFrame(); err != nil {
				t.Errorf("RecvFrame: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		if err := client.SendFrame([]byte("msg")); err != nil {
			t.Fatalf("SendFrame: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receives")
	}
}
