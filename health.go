package shardring

import (
	"context"
	"time"
)

// healthMonitor turns probe results into failure and recovery events.
type healthMonitor struct {
	coordinator *coordinator
	members     *membership
	options     options
}

func newHealthMonitor(c *coordinator, members *membership, opts options) *healthMonitor {
	return &healthMonitor{coordinator: c, members: members, options: opts}
}

// run probes every registered node on each tick until ctx is cancelled.
func (h *healthMonitor) run(ctx context.Context) {
	var ticker = time.NewTicker(h.options.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check(ctx)
		}
	}
}

// check probes each node once and applies any liveness transition.
func (h *healthMonitor) check(ctx context.Context) {
	for _, id := range h.members.Nodes() {
		var store, err = h.members.Store(id)
		if err != nil {
			continue // unregistered since the listing
		}
		if !h.coordinator.ring.Contains(id) {
			continue // removal still in progress
		}

		var (
			healthy = h.options.healthProbe(ctx, id, store)
			live    = h.members.IsLive(id)
		)
		switch {
		case live && !healthy:
			if _, err := h.coordinator.FailNode(id); err != nil {
				h.options.logger.Error("failed to mark node failed", "node_id", id, "error", err)
			}
		case !live && healthy:
			if _, err := h.coordinator.RecoverNode(ctx, id); err != nil {
				h.options.logger.Error("failed to recover node", "node_id", id, "error", err)
			}
		}
	}
}
