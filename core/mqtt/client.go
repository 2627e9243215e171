package mqtt

// Handler consumes one inbound message. It runs on the transport's delivery
// goroutine and must not block on slow work.
type Handler func(topic string, payload []byte)

// Publisher sends raw payloads to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}
