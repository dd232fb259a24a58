package accumulate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sliceStream yields canned fragments then the given terminal error.
type sliceStream struct {
	frags    []string
	next     int
	terminal error
	closed   bool
}

func (s *sliceStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if s.next >= len(s.frags) {
		if s.terminal != nil {
			return "", s.terminal
		}
		return "", io.EOF
	}
	frag := s.frags[s.next]
	s.next++
	return frag, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// chanStream yields fragments from a channel, blocking between them.
type chanStream struct {
	ch     chan string
	closed chan struct{}
	once   sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{ch: make(chan string), closed: make(chan struct{})}
}

func (s *chanStream) Recv() (string, error) {
	select {
	case frag, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		return frag, nil
	case <-s.closed:
		return "", errors.New("stream closed")
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestRun_ConcatenatesFragments(t *testing.T) {
	stream := &sliceStream{frags: []string{"Hello", " there"}}

	got, err := Run(context.Background(), stream, time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, "Hello there", got)
}

func TestRun_StripsLeadingJunk(t *testing.T) {
	for _, tc := range []struct {
		frags []string
		want  string
	}{
		{[]string{": sure"}, "sure"},
		{[]string{"\n\n", "answer"}, "answer"},
		{[]string{" : ", " ok", " then"}, "ok then"},
		{[]string{"no junk"}, "no junk"},
		{[]string{"inner: colon kept"}, "inner: colon kept"},
	} {
		stream := &sliceStream{frags: tc.frags}
		got, err := Run(context.Background(), stream, time.Hour, nil)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestRun_StreamErrorDiscardsPartial(t *testing.T) {
	stream := &sliceStream{frags: []string{"half an "}, terminal: errors.New("backend died")}

	got, err := Run(context.Background(), stream, time.Hour, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend died")
	require.Empty(t, got)
}

func TestRun_PeriodicNotify(t *testing.T) {
	stream := newChanStream()

	var mu sync.Mutex
	var partials []string
	notify := func(p string) {
		mu.Lock()
		partials = append(partials, p)
		mu.Unlock()
	}

	done := make(chan struct{})
	var got string
	var err error
	go func() {
		defer close(done)
		got, err = Run(context.Background(), stream, 20*time.Millisecond, notify)
	}()

	stream.ch <- "first"
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(partials) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	stream.ch <- " second"
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(partials) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	close(stream.ch)
	<-done

	require.NoError(t, err)
	require.Equal(t, "first second", got)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "first", partials[0])
	for _, p := range partials[1:] {
		require.Contains(t, p, "first")
	}
}

func TestRun_NoNotifyWithoutNewFragments(t *testing.T) {
	stream := newChanStream()

	var mu sync.Mutex
	count := 0
	notify := func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = Run(context.Background(), stream, 10*time.Millisecond, notify)
	}()

	stream.ch <- "once"
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Several ticks with nothing new: no further notifications.
	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, count)
	mu.Unlock()

	close(stream.ch)
	<-done
}

func TestRun_ContextCancelDiscards(t *testing.T) {
	stream := newChanStream()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var got string
	var err error
	go func() {
		defer close(done)
		got, err = Run(ctx, stream, time.Hour, nil)
	}()

	stream.ch <- "partial text"
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, got)
}
