package events

import "context"

// Bus is a topic based message bus.
type Bus interface {
	// Publish sends data to all watchers of topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Watch subscribes to topic. The returned channel receives payloads until
	// ctx is cancelled or Unwatch is called, and is then closed.
	Watch(ctx context.Context, topic string) (chan []byte, error)
	// Unwatch stops delivering messages for topic to ch.
	Unwatch(ctx context.Context, topic string, ch chan []byte) error
}

// removeChan deletes ch from subs and closes it. It reports whether ch was
// found.
func removeChan(subs []chan []byte, ch chan []byte) ([]chan []byte, bool) {
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			return subs, true
		}
	}
	return subs, false
}

// fanOut delivers data to every channel without blocking.
func fanOut(chans []chan []byte, data []byte) {
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
}
