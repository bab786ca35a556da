package events

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
)

// DefaultCapacity is the default number of subscribers
const DefaultCapacity = 2

// Handler receives device-manager events. It runs on the dispatching
// goroutine and must not call back into Register.
type Handler func(Event)

// PeerResolver maps a connection to its paired-device id
type PeerResolver interface {
	PeerID(handle gap.ConnHandle) gap.DeviceID
}

// Router is the single fan-out point for device-manager events
type Router struct {
	resolver PeerResolver
	logger   *logrus.Logger

	mu       sync.Mutex
	handlers []Handler
	used     int
}

// NewRouter returns a router accepting up to capacity subscribers
func NewRouter(capacity int, resolver PeerResolver, logger *logrus.Logger) *Router {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{
		resolver: resolver,
		logger:   logger,
		handlers: make([]Handler, capacity),
	}
}

// Register appends h to the subscriber list. Subscribers stay registered for
// the life of the router.
func (r *Router) Register(h Handler) error {
	if h == nil {
		return status.Errorf(status.InvalidParameter, "nil event handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.used == len(r.handlers) {
		return status.Errorf(status.NoResource, "subscriber list full (%d)", len(r.handlers))
	}
	r.handlers[r.used] = h
	r.used++
	return nil
}

// Subscribers returns the number of registered handlers
func (r *Router) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Dispatch resolves the peer of evt and delivers it to every subscriber in
// registration order
func (r *Router) Dispatch(evt Event) {
	evt.DeviceID = gap.UnknownDevice
	if r.resolver != nil {
		evt.DeviceID = r.resolver.PeerID(evt.ConnHandle)
	}

	r.mu.Lock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"event":     evt.Type.String(),
		"handle":    evt.ConnHandle,
		"device_id": evt.DeviceID,
	}).Debug("Dispatching event")

	for _, h := range handlers {
		if h == nil {
			continue
		}
		h(evt)
	}
}
