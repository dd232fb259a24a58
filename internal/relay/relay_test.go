package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stupiduntilnot/relaybot/internal/assembler"
	"github.com/stupiduntilnot/relaybot/internal/backend"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/prompt"
)

type wordCounter struct{}

func (wordCounter) Count(s string) int { return len(strings.Fields(s)) }

type fakeStream struct {
	frags []string
	next  int
	err   error
}

func (f *fakeStream) Recv() (string, error) {
	if f.next >= len(f.frags) {
		if f.err != nil {
			return "", f.err
		}
		return "", io.EOF
	}
	frag := f.frags[f.next]
	f.next++
	return frag, nil
}

func (f *fakeStream) Close() error { return nil }

type fakeGenerator struct {
	frags     []string
	streamErr error
	genErr    error

	calls   atomic.Int32
	prompts []string
	mu      sync.Mutex
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (backend.Stream, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.genErr != nil {
		return nil, g.genErr
	}
	return &fakeStream{frags: g.frags, err: g.streamErr}, nil
}

func newTestService(t *testing.T, g backend.Generator, total, hist int) (*Service, *history.Store) {
	t.Helper()
	store, err := history.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Init())

	a := assembler.New(wordCounter{}, store, prompt.NewChatML("test system"), assembler.Budget{Total: total, History: hist})
	return NewService(a, g, store, zap.NewNop(), total, time.Hour), store
}

func TestHandleMessage_HappyPath(t *testing.T) {
	gen := &fakeGenerator{frags: []string{"Hello", " there"}}
	svc, store := newTestService(t, gen, 200, 80)

	reply, err := svc.HandleMessage(context.Background(), 1, "hi bot", nil)
	require.NoError(t, err)
	require.Equal(t, "Hello there", reply)

	turns, err := store.ReadAll(1)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	// Newest first: assistant turn, then the user turn.
	require.Equal(t, history.Turn{Role: history.RoleAssistant, Text: "Hello there"}, turns[0])
	require.Equal(t, history.Turn{Role: history.RoleUser, Text: "hi bot"}, turns[1])
}

func TestHandleMessage_SecondRequestSeesHistory(t *testing.T) {
	gen := &fakeGenerator{frags: []string{"first answer"}}
	svc, _ := newTestService(t, gen, 400, 200)

	_, err := svc.HandleMessage(context.Background(), 1, "first question", nil)
	require.NoError(t, err)

	gen.frags = []string{"second answer"}
	_, err = svc.HandleMessage(context.Background(), 1, "second question", nil)
	require.NoError(t, err)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.prompts, 2)
	require.Contains(t, gen.prompts[1], "first question")
	require.Contains(t, gen.prompts[1], "first answer")
}

func TestHandleMessage_BudgetExceeded(t *testing.T) {
	gen := &fakeGenerator{frags: []string{"never"}}
	// Total 10: any message whose empty-history prompt exceeds 5 tokens is
	// rejected up front.
	svc, store := newTestService(t, gen, 10, 5)

	_, err := svc.HandleMessage(context.Background(), 1, "far too many words to ever fit in here", nil)
	var be *assembler.BudgetError
	require.ErrorAs(t, err, &be)
	require.Equal(t, int32(0), gen.calls.Load())

	turns, err2 := store.ReadAll(1)
	require.NoError(t, err2)
	require.Empty(t, turns)
}

func TestHandleMessage_StreamFailureDiscards(t *testing.T) {
	gen := &fakeGenerator{frags: []string{"partial "}, streamErr: errors.New("connection reset")}
	svc, store := newTestService(t, gen, 200, 80)

	_, err := svc.HandleMessage(context.Background(), 1, "hi", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "generation failed")

	turns, err := store.ReadAll(1)
	require.NoError(t, err)
	require.Empty(t, turns, "partial responses must never be persisted")
}

func TestHandleMessage_GenerateErrorDiscards(t *testing.T) {
	gen := &fakeGenerator{genErr: errors.New("backend down")}
	svc, store := newTestService(t, gen, 200, 80)

	_, err := svc.HandleMessage(context.Background(), 1, "hi", nil)
	require.Error(t, err)

	turns, err := store.ReadAll(1)
	require.NoError(t, err)
	require.Empty(t, turns)
}

// serializingGenerator fails the test if two generations for it overlap.
type serializingGenerator struct {
	t      *testing.T
	inUse  atomic.Int32
	delay  time.Duration
	served atomic.Int32
}

func (g *serializingGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (backend.Stream, error) {
	if g.inUse.Add(1) != 1 {
		g.t.Error("concurrent generation for the same chat")
	}
	time.Sleep(g.delay)
	g.inUse.Add(-1)
	g.served.Add(1)
	return &fakeStream{frags: []string{"ok"}}, nil
}

func TestHandleMessage_SameChatSerialized(t *testing.T) {
	gen := &serializingGenerator{t: t, delay: 20 * time.Millisecond}
	svc, _ := newTestService(t, gen, 200, 80)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.HandleMessage(context.Background(), 42, "msg", nil)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(4), gen.served.Load())
}
