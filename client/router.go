// Copyright © 2019 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package client

import (
	"strings"
	"sync"
)

// MatchTopic returns true if the topic matches the filter. A "+" matches exactly
// one level, a trailing "#" matches the parent level and everything below it.
// Topics that start with "$" never match a filter that starts with a wildcard.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")
	for i, level := range filterLevels {
		if level == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

// ValidateFilter checks a subscription filter
func ValidateFilter(filter string) error {
	if filter == "" || len(filter) > 65535 || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return ErrInvalidTopic
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidTopic
		}
	}
	return nil
}

// ValidateTopic checks a topic to publish to
func ValidateTopic(topic string) error {
	if topic == "" || len(topic) > 65535 || strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopic
	}
	return nil
}

type binding struct {
	filter  string
	qos     byte
	handler Handler
}

// router keeps the bindings in the order they were registered
type router struct {
	mu             sync.RWMutex
	max            int
	bindings       []binding
	defaultHandler Handler
}

func (r *router) add(filter string, qos byte, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.bindings {
		if r.bindings[i].filter == filter {
			r.bindings[i].qos = qos
			r.bindings[i].handler = handler
			return nil
		}
	}
	if len(r.bindings) >= r.max {
		return ErrTooManyHandlers
	}
	r.bindings = append(r.bindings, binding{filter: filter, qos: qos, handler: handler})
	return nil
}

func (r *router) remove(filter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.bindings {
		if r.bindings[i].filter == filter {
			r.bindings = append(r.bindings[:i], r.bindings[i+1:]...)
			return true
		}
	}
	return false
}

// match returns the handler of the first binding that matches, or the default handler
func (r *router) match(topic string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bindings {
		if MatchTopic(b.filter, topic) {
			if b.handler != nil {
				return b.handler
			}
			break
		}
	}
	return r.defaultHandler
}

func (r *router) filters() (filters []string, qoss []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bindings {
		filters = append(filters, b.filter)
		qoss = append(qoss, b.qos)
	}
	return
}
