package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans event payloads out to subscribers grouped by team.
type Hub struct {
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	stopOnce  sync.Once
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

type countRequest struct {
	topic string
	reply chan int
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	clients := make(map[string]map[Subscriber]struct{})
	for {
		select {
		case sub := <-h.register:
			if _, ok := clients[sub.topic]; !ok {
				clients[sub.topic] = make(map[Subscriber]struct{})
			}
			clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if set, ok := clients[sub.topic]; ok {
				delete(set, sub.client)
				if len(set) == 0 {
					delete(clients, sub.topic)
				}
			}
		case msg := <-h.broadcast:
			if set, ok := clients[msg.topic]; ok {
				for c := range set {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(set, c)
					}
				}
				if len(set) == 0 {
					delete(clients, msg.topic)
				}
			}
		case req := <-h.count:
			req.reply <- len(clients[req.topic])
		case <-h.done:
			for _, set := range clients {
				for c := range set {
					c.Close()
				}
			}
			return
		}
	}
}

// Register adds a client to a team stream.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all clients of topic.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients listen on topic.
func (h *Hub) Subscribers(topic string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{topic: topic, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Stop closes every client and ends the hub loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
