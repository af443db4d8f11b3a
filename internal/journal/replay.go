package journal

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

const replayPage = 500

// Projector rebuilds state from journaled events. Apply is handed every
// event in journal order and ignores the aggregate types it does not own.
type Projector interface {
	Apply(ctx context.Context, event Event) error
}

// Replay streams the whole journal through the projectors and returns how
// many events it read.
func Replay(ctx context.Context, store Store, projectors ...Projector) (int, error) {
	var after int64
	n := 0
	for {
		events, err := store.Stream(ctx, after, replayPage)
		if err != nil {
			return n, fmt.Errorf("stream journal after %d: %w", after, err)
		}
		for _, event := range events {
			for _, p := range projectors {
				if err := p.Apply(ctx, event); err != nil {
					return n, fmt.Errorf("replay event %d (%s %s/%s v%d): %w",
						event.ID, event.EventType, event.AggregateType, event.AggregateID, event.Version, err)
				}
			}
			after = event.ID
			n++
		}
		if len(events) < replayPage {
			return n, nil
		}
	}
}

// Decode unmarshals an event payload.
func Decode(event Event, v any) error {
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(event.EventData, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return nil
}
