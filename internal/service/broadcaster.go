package service

import (
	"context"

	"bingohall/internal/model"
)

// Broadcaster publishes canonical events to a session's topic. The ws
// hub and the Redis fan-out both sit behind this interface (avoids an
// import cycle with the transport packages).
//
// Publishing happens after the mutation is durably committed; a publish
// failure is logged by the caller and never rolls the commit back.
type Broadcaster interface {
	Publish(ctx context.Context, event *model.Event) error
}
