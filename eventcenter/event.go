package eventcenter

import "time"

const (
	TOPIC     = "topic"
	PUBLISHED = "published"
)

// Event 事件. Header 由发布方和事件中心共同填写, Body 由订阅方自行断言类型
type Event struct {
	Header map[string]string
	Body   interface{}
}

func NewEvent() *Event {
	return &Event{Header: make(map[string]string)}
}

func (e *Event) WithHeader(key, value string) *Event {
	if e == nil {
		return nil
	}
	if e.Header == nil {
		e.Header = make(map[string]string)
	}
	e.Header[key] = value
	return e
}

func (e *Event) WithBody(body interface{}) *Event {
	if e == nil {
		return nil
	}
	e.Body = body
	return e
}

func (e *Event) Topic() string {
	return e.Header[TOPIC]
}

// PublishedAt returns the zero time for events that never went through Publish.
func (e *Event) PublishedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Header[PUBLISHED])
	if err != nil {
		return time.Time{}
	}
	return t
}
