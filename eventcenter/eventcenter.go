package eventcenter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"harrier/monitor"
)

type Handler func(event *Event)

type subscriber struct {
	id      int
	handler Handler
}

// EventCenter 进程内事件中心.
// 每个 topic 有独立的队列和消费协程: 同一 topic 的事件按发布顺序投递,
// 不同 topic 之间并行.
type EventCenter struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriber
	queues      map[string]chan *Event
	nextID      int
	queueSize   int
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

func New(queueSize int) *EventCenter {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &EventCenter{
		subscribers: make(map[string][]subscriber),
		queues:      make(map[string]chan *Event),
		queueSize:   queueSize,
		done:        make(chan struct{}),
	}
}

// Subscribe registers handler on topic and returns a function removing it.
func (e *EventCenter) Subscribe(topic string, handler Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.subscribers[topic] = append(e.subscribers[topic], subscriber{id: id, handler: handler})
	monitor.EventSubscribers.With(prometheus.Labels{"topic": topic}).Inc()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		s := e.subscribers[topic]
		for i := range s {
			if s[i].id == id {
				e.subscribers[topic] = append(s[:i:i], s[i+1:]...)
				monitor.EventSubscribers.With(prometheus.Labels{"topic": topic}).Dec()
				return
			}
		}
	}
}

func (e *EventCenter) Subscribers(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}

// Publish blocks while the topic queue is full. It returns false once the
// event center is closed.
func (e *EventCenter) Publish(topic string, event *Event) bool {
	if event == nil {
		return false
	}
	ch, ok := e.queue(topic)
	if !ok {
		return false
	}
	event.WithHeader(TOPIC, topic).WithHeader(PUBLISHED, time.Now().Format(time.RFC3339Nano))
	monitor.EventPublished.With(prometheus.Labels{"topic": topic}).Inc()

	select {
	case ch <- event:
		return true
	case <-e.done:
		return false
	}
}

func (e *EventCenter) queue(topic string) (chan *Event, bool) {
	e.mu.RLock()
	ch, ok := e.queues[topic]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, false
	}
	if ok {
		return ch, true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false
	}
	if ch, ok = e.queues[topic]; ok {
		return ch, true
	}
	ch = make(chan *Event, e.queueSize)
	e.queues[topic] = ch
	e.wg.Add(1)
	go e.consume(topic, ch)
	return ch, true
}

func (e *EventCenter) consume(topic string, ch chan *Event) {
	defer e.wg.Done()
	for {
		select {
		case event := <-ch:
			e.mu.RLock()
			s := e.subscribers[topic]
			t := make([]subscriber, len(s))
			copy(t, s)
			e.mu.RUnlock()

			for _, sub := range t {
				sub.handler(event)
			}
			monitor.EventConsumed.With(prometheus.Labels{"topic": topic}).Inc()
			if published := event.PublishedAt(); !published.IsZero() {
				monitor.EventDelayDurationsSummary.
					With(prometheus.Labels{"topic": topic}).
					Observe(time.Since(published).Seconds())
			}
		case <-e.done:
			return
		}
	}
}

// Close stops every topic consumer. Events still queued are dropped.
func (e *EventCenter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()
	e.wg.Wait()
}
