// Package accumulate turns a completion fragment stream into a final
// response string, emitting periodic partial results along the way.
package accumulate

import (
	"context"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/relaybot/internal/backend"
)

// leadingJunk covers the whitespace and punctuation some backends prefix to
// a completion before the real content.
const leadingJunk = " \t\r\n:"

// Notify receives the partial response accumulated so far. Called from the
// accumulating goroutine, at most once per interval tick.
type Notify func(partial string)

// Run consumes the stream until completion and returns the full response
// text. Fragment arrival and the notification timer are merged into one
// select loop, so a stalled stream still leaves the last partial visible and
// a fast stream is not notified per fragment. On stream error or context
// cancellation the accumulated text is dropped and only the error returned;
// callers must not persist anything in that case.
func Run(ctx context.Context, stream backend.Stream, interval time.Duration, notify Notify) (string, error) {
	frags := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frags)
		for {
			frag, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case frags <- frag:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var text string
	dirty := false
loop:
	for {
		select {
		case frag, ok := <-frags:
			if !ok {
				break loop
			}
			// Strip leading junk from the accumulated text; once real
			// content leads, this is a no-op.
			text = strings.TrimLeft(text+frag, leadingJunk)
			dirty = true
		case <-ticker.C:
			if dirty && text != "" && notify != nil {
				notify(text)
				dirty = false
			}
		case <-ctx.Done():
			stream.Close()
			// Let the reader goroutine observe the closed stream.
			for range frags {
			}
			g.Wait()
			return "", ctx.Err()
		}
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	return text, nil
}
