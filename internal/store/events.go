package store

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const stopChannel = "integration:worker-stop"

// StopBroadcaster tells every instance to stop a worker. The instance that
// disconnects an integration is not necessarily the one running its worker.
type StopBroadcaster struct {
	rdb redis.UniversalClient
}

func NewStopBroadcaster(rdb redis.UniversalClient) *StopBroadcaster {
	return &StopBroadcaster{rdb: rdb}
}

// Publish announces that processName must stop
func (b *StopBroadcaster) Publish(ctx context.Context, processName string) error {
	return b.rdb.Publish(ctx, stopChannel, processName).Err()
}

// Subscribe calls fn for every announced process name until ctx ends. The
// subscription is established before Subscribe returns.
func (b *StopBroadcaster) Subscribe(ctx context.Context, fn func(processName string)) error {
	sub := b.rdb.Subscribe(ctx, stopChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return err
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				log.Debug().Str("process_name", msg.Payload).Msg("Received worker stop broadcast")
				fn(msg.Payload)
			}
		}
	}()
	return nil
}
