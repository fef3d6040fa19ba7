// Package realtime pushes events to connected clients. A Registry maps
// topics (quote:NSE:TCS, user:<id>) to sessions independently of the
// transport; Hub is the gorilla/websocket transport that feeds it.
package realtime

import (
	"sort"
	"strings"
	"sync"
)

// Server event names.
const (
	EventQuote        = "quote"
	EventWalletUpdate = "wallet:update"
	EventOrderUpdate  = "order:update"
	EventError        = "error"
)

// Client event names.
const (
	EventSubscribeQuote   = "subscribe_quote"
	EventUnsubscribeQuote = "unsubscribe_quote"
	EventWalletJoin       = "wallet:join"
)

// UserTopicPrefix prefixes per-user topics.
const UserTopicPrefix = "user:"

// UserTopic is the topic carrying wallet and order events for userID.
func UserTopic(userID string) string { return UserTopicPrefix + userID }

// Message is one event on the wire.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Session is a connected client. Send must not block; it reports false
// when the message was dropped.
type Session interface {
	ID() string
	Send(msg Message) bool
}

// Registry tracks which sessions are subscribed to which topics.
type Registry struct {
	mu       sync.RWMutex
	topics   map[string]map[string]Session
	sessions map[string]map[string]struct{} // session ID -> topics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		topics:   make(map[string]map[string]Session),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Join subscribes s to topic. Joining twice is a no-op.
func (r *Registry) Join(s Session, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]Session)
		r.topics[topic] = subs
	}
	subs[s.ID()] = s

	joined, ok := r.sessions[s.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.sessions[s.ID()] = joined
	}
	joined[topic] = struct{}{}
}

// Leave unsubscribes a session from topic.
func (r *Registry) Leave(sessionID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(sessionID, topic)
}

func (r *Registry) leave(sessionID, topic string) {
	if subs, ok := r.topics[topic]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	if joined, ok := r.sessions[sessionID]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(r.sessions, sessionID)
		}
	}
}

// Drop removes a session from every topic.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.sessions[sessionID] {
		r.leave(sessionID, topic)
	}
}

// Publish sends msg to every subscriber of topic and returns how many
// accepted it.
func (r *Registry) Publish(topic string, msg Message) int {
	r.mu.RLock()
	subs := make([]Session, 0, len(r.topics[topic]))
	for _, s := range r.topics[topic] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if s.Send(msg) {
			delivered++
		}
	}
	return delivered
}

// Topics returns the topics with at least one subscriber whose name starts
// with prefix, sorted.
func (r *Registry) Topics(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for topic := range r.topics {
		if strings.HasPrefix(topic, prefix) {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the number of sessions subscribed to topic.
func (r *Registry) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}
