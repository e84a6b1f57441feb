package events

import (
	"context"
	"sort"

	"github.com/vzahanych/plant-curator/internal/logger"
)

// LogEvents writes every event on the bus to log until ctx is done or the bus
// is closed. The returned channel is closed when the observer exits.
func LogEvents(ctx context.Context, bus *EventBus, log *logger.Logger) <-chan struct{} {
	ch := bus.SubscribeAll()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				log.Info(string(event.Type), fields(event)...)
			case <-ctx.Done():
				bus.UnsubscribeAll(ch)
				return
			}
		}
	}()

	return done
}

func fields(event Event) []interface{} {
	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]interface{}, 0, 2*len(keys)+2)
	out = append(out, "source", event.Source)
	for _, k := range keys {
		out = append(out, k, event.Data[k])
	}
	return out
}
