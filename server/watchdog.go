package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matgreaves/watt/spec"
)

const defaultStallTimeout = 10 * time.Second

// stalledService is a service a StartAll batch is still waiting for.
type stalledService struct {
	ID        string
	Phase     string // "pending" or "starting"
	WaitingOn []string
}

// progressWatchdog watches a StartAll batch for stalls. Whenever a whole
// stallTimeout passes without a new lifecycle event it publishes
// runtime.stalled describing which services are stuck and why.
//
// The goroutine exits when ctx is cancelled (the batch returned) or when
// nothing is left to wait for.
func (s *Supervisor) progressWatchdog(ctx context.Context, stallTimeout time.Duration) {
	ticker := time.NewTicker(stallTimeout)
	defer ticker.Stop()

	last := s.events.Seq()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if seq := s.events.Seq(); seq != last {
			last = seq
			continue
		}
		stuck := s.stalledServices()
		if len(stuck) == 0 {
			return
		}
		msg := formatStallMessage(stuck, stallTimeout)
		s.log.Warn().Str("stalled", msg).Msg("start is not making progress")
		last = s.events.Publish(Event{Type: EventRuntimeStalled, Message: msg})
	}
}

// stalledServices lists, in start order, every service that is not yet
// started. A pending service names the dependencies it is waiting on.
func (s *Supervisor) stalledServices() []stalledService {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []stalledService
	for _, id := range s.order {
		st := s.services[id]
		switch st.status {
		case spec.StatusStarted, spec.StatusStopping:
			continue
		case spec.StatusStarting:
			out = append(out, stalledService{ID: id, Phase: "starting"})
			continue
		}
		ss := stalledService{ID: id, Phase: "pending"}
		for _, dep := range st.deps {
			if s.services[dep].status != spec.StatusStarted {
				ss.WaitingOn = append(ss.WaitingOn, dep)
			}
		}
		out = append(out, ss)
	}
	return out
}

// formatStallMessage renders stuck services on one line.
func formatStallMessage(stuck []stalledService, stalledFor time.Duration) string {
	parts := make([]string, 0, len(stuck))
	for _, svc := range stuck {
		part := svc.ID + " " + svc.Phase
		if len(svc.WaitingOn) > 0 {
			part += " (waiting on " + strings.Join(svc.WaitingOn, ", ") + ")"
		}
		parts = append(parts, part)
	}
	return fmt.Sprintf("no progress for %s: %s", stalledFor, strings.Join(parts, "; "))
}
