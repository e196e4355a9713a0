package room

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Message is one chat message addressed to a room. Sender is kept for
// diagnostics only; the sender receives its own message like any member.
type Message struct {
	Room    string
	Sender  string
	Payload []byte
}

// Result summarizes a single broadcast.
type Result struct {
	Delivered int
	Dropped   int
}

// Broadcaster delivers messages to every member of a room.
type Broadcaster struct {
	members Snapshotter
	log     *slog.Logger
}

// NewBroadcaster returns a Broadcaster reading membership from members.
// A nil logger discards output.
func NewBroadcaster(members Snapshotter, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Broadcaster{members: members, log: log}
}

// Broadcast hands msg.Payload to each member of msg.Room as of the moment
// of the call. Members are served concurrently, so one member waiting for
// queue space never holds up the others. A member that refuses the payload
// loses that message only. Broadcast returns once every member accepted or
// refused it, which keeps one sender's messages in order for each member.
func (b *Broadcaster) Broadcast(msg Message) Result {
	targets := b.members.Members(msg.Room)

	var delivered, dropped atomic.Int64
	var g errgroup.Group
	for _, m := range targets {
		g.Go(func() error {
			if err := m.Deliver(msg.Payload); err != nil {
				dropped.Add(1)
				b.log.Warn("room.delivery.dropped",
					"room", msg.Room,
					"member", m.ID(),
					"sender", msg.Sender,
					"err", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Delivered: int(delivered.Load()), Dropped: int(dropped.Load())}
	b.log.Debug("room.broadcast",
		"room", msg.Room,
		"sender", msg.Sender,
		"bytes", len(msg.Payload),
		"delivered", res.Delivered,
		"dropped", res.Dropped)
	return res
}
