package broker

import (
	"context"
	"time"
)

// Item is a single reserved or delivered payload. Xid is only meaningful
// when the item was fetched under a reliable read (opening == true).
type Item struct {
	Data  []byte
	Flags uint32
	Xid   uint32
}

// QueueCollection is the durable, concurrency-safe backing store the broker
// is built against. internal/queue.Collection is the concrete implementation;
// this interface exists so the session/command layer stays independent of
// how queues are stored.
type QueueCollection interface {
	Add(ctx context.Context, queue string, data []byte, flags uint32, expiry time.Time, who string) (bool, error)
	Remove(ctx context.Context, queue string, deadline time.Time, opening, peeking bool, who string) (*Item, error)
	Unremove(queue string, xid uint32) error
	ConfirmRemove(queue string, xid uint32) error
	Flush(queue string, who string) error
	FlushExpired(queue string, who string) (int, error)
	FlushAllExpired() (int, error)
	FlushAll(who string) error
	Delete(queue string, who string) error
	QueueNames() []string
	Stats(queue string) (map[string]string, error)
	CurrentItems() int64
	CurrentBytes() int64
	ReservedMemoryRatio() float64
}
