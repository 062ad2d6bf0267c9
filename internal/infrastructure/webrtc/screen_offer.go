package webrtc

import (
	"context"
	"sync"
	"time"
)

// ScreenOfferLoop calls tick every period while a screen share is live.
// It exits as soon as ended closes or Stop is called.
type ScreenOfferLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func StartScreenOfferLoop(period time.Duration, ended <-chan struct{}, tick func(ctx context.Context)) *ScreenOfferLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &ScreenOfferLoop{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ended:
				return
			case <-ticker.C:
				// ended may have closed while waiting on the ticker
				select {
				case <-ended:
					return
				default:
				}
				tick(ctx)
			}
		}
	}()
	return l
}

// Stop cancels the loop and waits for it to exit.
func (l *ScreenOfferLoop) Stop() {
	l.once.Do(l.cancel)
	<-l.done
}

// Done closes once the loop has exited.
func (l *ScreenOfferLoop) Done() <-chan struct{} { return l.done }
