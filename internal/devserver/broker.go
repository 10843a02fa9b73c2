package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/assetpipe/internal/telemetry"
)

// Event types sent to connected browsers.
const (
	EventReload = "reload"
	EventError  = "error"
)

// Event is one server-sent event.
type Event struct {
	Type    string `json:"type"`
	BuildID string `json:"build_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Broker fans build events out to every connected event stream. Slow
// subscribers drop events rather than block a publish.
type Broker struct {
	mu        sync.Mutex
	subs      map[chan Event]struct{}
	heartbeat time.Duration
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{}), heartbeat: 30 * time.Second}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 4)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber that has room for it and returns
// how many received it.
func (b *Broker) Publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sent := 0
	for ch := range b.subs {
		select {
		case ch <- ev:
			sent++
		default:
			log.Debug().Str("type", ev.Type).Msg("event subscriber is full, dropping event")
		}
	}
	return sent
}

// ServeHTTP streams events as text/event-stream until the client goes away.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	events, unsubscribe := b.Subscribe()
	defer unsubscribe()

	m := telemetry.GetMetrics()
	m.ReloadClients.Add(ctx, 1)
	defer m.ReloadClients.Add(ctx, -1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// comment line so the client sees the stream open
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
