package gateway

import (
	"context"

	"noverterm/network"
)

// LinkEvent reports that a connection ended without being asked to.
type LinkEvent struct {
	SessionID string
	Reason    string
}

// DroppedLinks translates connection_lost events into LinkEvents. The
// returned channel is closed when events is closed or ctx is done.
func DroppedLinks(ctx context.Context, events <-chan network.Event) <-chan LinkEvent {
	out := make(chan LinkEvent)
	go func() {
		defer close(out)
		for {
			var event network.Event
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				event = e
			case <-ctx.Done():
				return
			}
			if event.Type != network.EventConnectionLost {
				continue
			}
			reason := event.Details["error"]
			if reason == "" {
				reason = "connection lost"
			}
			select {
			case out <- LinkEvent{SessionID: event.SessionID, Reason: reason}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
