package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// Subscription streams one owner's job events from NATS.
type Subscription struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
	out  chan Event
	done chan struct{}
	once sync.Once
}

// Subscribe listens for every event of owner under prefix. Malformed
// payloads are dropped. Events arrive on Events until Close.
func Subscribe(nc *nats.Conn, prefix, owner string) (*Subscription, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if prefix == "" {
		prefix = NewDefaultConfig().SubjectPrefix
	}
	s := &Subscription{
		msgs: make(chan *nats.Msg, 64),
		out:  make(chan Event, 64),
		done: make(chan struct{}),
	}
	sub, err := nc.ChanSubscribe(OwnerWildcard(prefix, owner), s.msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s events: %w", owner, err)
	}
	s.sub = sub
	go s.loop()
	return s, nil
}

func (s *Subscription) loop() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.msgs:
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Events returns the event stream. It is closed after Close.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}
