// Package rpcserver is the small piece of ambient plumbing every manager
// shares: subscribe to a module's request topics and hand each decoded
// protocol.Request to a handler in its own goroutine.
package rpcserver

import (
	"encoding/json"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
)

// Handler processes one decoded request. Handlers are run concurrently,
// one goroutine per inbound message; they're responsible for their own
// ack/nack/progress/output/finalStatus publishing (usually by calling
// into a task.Supervisor).
type Handler func(req protocol.Request)

// Server listens for "<module>.<operation>" requests on a bus and
// dispatches them to registered handlers.
type Server struct {
	module string
	b      *bus.Bus
	log    glog.Logger
}

// New builds a Server for module, publishing nothing on its own until
// Handle is called per operation.
func New(module string, b *bus.Bus, log glog.Logger) *Server {
	return &Server{module: module, b: b, log: log}
}

// Handle subscribes to "<module>.<operation>" and runs fn for every
// message that decodes as a protocol.Request.
func (s *Server) Handle(operation string, fn Handler) {
	topic := s.module + "." + operation
	sub := s.b.Subscribe(topic)
	go func() {
		for msg := range sub.C() {
			var req protocol.Request
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				s.log.Warn("rpcserver: malformed request", "topic", topic, "err", err)
				continue
			}
			go fn(req)
		}
	}()
}
