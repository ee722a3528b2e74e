// Package liveness implements spec.md §4.3's ping/pong contract: every
// manager answers "<module>.ping" and "_broadcast.ping" with its uptime,
// status, and resource usage, and waitForModule lets a caller block until
// a target module reports itself ready.
package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/honkhost/gameserver-mgr/internal/bus"
	"github.com/honkhost/gameserver-mgr/internal/glog"
	"github.com/honkhost/gameserver-mgr/internal/protocol"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// ReadyAfter is the uptime threshold spec.md §4.3 defines for "ready".
const ReadyAfter = 5 * time.Second

// ResourceUsage is the resource snapshot carried in a pong reply.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	NumFDs     int32   `json:"numFds"`
}

// Pong is the payload a module replies with to a ping.
type Pong struct {
	ModuleIdent string        `json:"moduleIdent"`
	PID         int           `json:"pid"`
	UptimeMS    int64         `json:"uptimeMs"`
	Status      string        `json:"status"`
	Resource    ResourceUsage `json:"resourceUsage"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Request is the payload of a ping request.
type Request struct {
	ReplyTo string `json:"replyTo"`
}

// Responder answers pings for one module on a Bus. Status is mutable —
// drivers call SetStatus as they move between idle/busy/ready/error.
type Responder struct {
	b           *bus.Bus
	moduleIdent string
	startedAt   time.Time
	log         glog.Logger
	status      string
}

// NewResponder registers ping handlers for moduleIdent on both
// "<module>.ping" and "_broadcast.ping".
func NewResponder(b *bus.Bus, moduleIdent string, log glog.Logger) *Responder {
	r := &Responder{b: b, moduleIdent: moduleIdent, startedAt: time.Now(), log: log, status: "ready"}
	r.listen(moduleIdent + ".ping")
	r.listen("_broadcast.ping")
	return r
}

// SetStatus updates the status string reported on subsequent pongs.
func (r *Responder) SetStatus(status string) { r.status = status }

func (r *Responder) listen(topic string) {
	sub := r.b.Subscribe(topic)
	go func() {
		for msg := range sub.C() {
			var req Request
			if err := json.Unmarshal(msg.Payload, &req); err != nil || req.ReplyTo == "" {
				continue
			}
			r.reply(req.ReplyTo)
		}
	}()
}

func (r *Responder) reply(replyTo string) {
	pong := Pong{
		ModuleIdent: r.moduleIdent,
		PID:         os.Getpid(),
		UptimeMS:    time.Since(r.startedAt).Milliseconds(),
		Status:      r.status,
		Resource:    sampleResourceUsage(),
		Timestamp:   time.Now().UTC(),
	}
	if err := r.b.Publish(replyTo+".pong", pong); err != nil {
		r.log.Warn("liveness: publish pong failed", "err", err)
	}
}

func sampleResourceUsage() ResourceUsage {
	usage := ResourceUsage{}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			usage.CPUPercent = pct
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			usage.RSSBytes = mem.RSS
		}
		if fds, err := proc.NumFDs(); err == nil {
			usage.NumFDs = fds
		}
	} else if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		usage.CPUPercent = pct[0]
	}
	return usage
}

// WaitForModule pings target every second until a reply with uptime
// >= ReadyAfter arrives, or the timeout elapses.
func WaitForModule(ctx context.Context, b *bus.Bus, target string, timeout time.Duration) error {
	replyEnv := protocol.NewEnvelope("liveness")
	sub := b.Subscribe(replyEnv.ReplyTopic("pong"))
	defer sub.Unsubscribe()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ping := func() {
		_ = b.Publish(target+".ping", Request{ReplyTo: replyEnv.ReplyTo})
	}
	ping()

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("waitForModule: %s did not become ready within %s", target, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sub.C():
			var pong Pong
			if err := json.Unmarshal(msg.Payload, &pong); err != nil {
				continue
			}
			if time.Duration(pong.UptimeMS)*time.Millisecond >= ReadyAfter {
				return nil
			}
		case <-ticker.C:
			ping()
		}
	}
}
