package channels

import (
	"context"
	"time"
)

// startTyping probes the transport's typing indicator immediately and then
// every TypingInterval. The returned func cancels the task and waits for it
// to exit, so no probe is sent after it returns.
func (b *Base) startTyping(ctx context.Context, chatID string) func() {
	prober, ok := b.transport.(TypingProber)
	if !ok || b.deps.TypingInterval < 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(b.deps.TypingInterval)
		defer ticker.Stop()

		for {
			if err := prober.SendTyping(ctx, chatID); err != nil && ctx.Err() == nil {
				b.logger.Debug().Err(err).Msg("Typing indicator failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
