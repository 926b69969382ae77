package websocket

import (
	"context"
	"log"
	"sort"
	"time"

	"flow-radar/contract"
)

// PlanRebalance partitions the observed contracts into per-session
// quote-subscription sets. Contracts whose underlying is in the static
// tier are chunked evenly across sessions [0, sessionsStatic); the
// remainder are ranked by size volume, truncated to the dynamic budget,
// and chunked across [sessionsStatic, sessionsTotal). No session ever
// exceeds quotesPerSession. Pure function, deterministic for a given
// snapshot.
func PlanRebalance(volume map[string]int64, staticTickers map[string]struct{}, sessionsTotal, sessionsStatic, quotesPerSession int) [][]string {
	plan := make([][]string, sessionsTotal)
	if sessionsTotal == 0 {
		return plan
	}

	type rankedContract struct {
		sym string
		vol int64
	}
	var static, dynamic []rankedContract
	for sym, vol := range volume {
		if _, ok := staticTickers[contract.Underlying(sym)]; ok && sessionsStatic > 0 {
			static = append(static, rankedContract{sym, vol})
		} else {
			dynamic = append(dynamic, rankedContract{sym, vol})
		}
	}

	byVolume := func(list []rankedContract) func(i, j int) bool {
		return func(i, j int) bool {
			if list[i].vol != list[j].vol {
				return list[i].vol > list[j].vol
			}
			return list[i].sym < list[j].sym
		}
	}
	sort.Slice(static, byVolume(static))
	sort.Slice(dynamic, byVolume(dynamic))

	if cap := sessionsStatic * quotesPerSession; len(static) > cap {
		static = static[:cap]
	}
	sessionsDynamic := sessionsTotal - sessionsStatic
	if cap := sessionsDynamic * quotesPerSession; len(dynamic) > cap {
		dynamic = dynamic[:cap]
	}

	for i, c := range static {
		slot := i % sessionsStatic
		plan[slot] = append(plan[slot], c.sym)
	}
	for i, c := range dynamic {
		slot := sessionsStatic + i%sessionsDynamic
		plan[slot] = append(plan[slot], c.sym)
	}
	return plan
}

// runRebalancer redistributes quote subscriptions on a fixed cadence.
// The ticker gives the first run its one-interval offset; each pass
// runs under a per-tick deadline so passes cannot overlap.
func (f *Farm) runRebalancer(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.RebalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, f.cfg.RebalanceInterval)
			f.rebalance(tickCtx)
			cancel()
		}
	}
}

func (f *Farm) rebalance(ctx context.Context) {
	snapshot := f.snapshotVolume()
	plan := PlanRebalance(snapshot, f.static, f.cfg.SessionsTotal, f.cfg.SessionsStatic, f.cfg.QuotesPerSession)

	subscribed, unsubscribed := 0, 0
	for i, want := range plan {
		if ctx.Err() != nil {
			log.Printf("⚠️  Rebalance deadline hit after session %d", i)
			return
		}
		s := f.sessions[i]
		if !s.alive.Load() || !s.connected.Load() {
			continue
		}

		wantSet := make(map[string]struct{}, len(want))
		for _, sym := range want {
			wantSet[quoteChannelPrefix+sym] = struct{}{}
		}

		var removals, additions []string
		for _, ch := range s.snapshotSubscriptions() {
			if ch == tradeFirehoseChannel {
				continue
			}
			if _, keep := wantSet[ch]; !keep {
				removals = append(removals, ch)
			}
		}
		current := s.snapshotSubscriptions()
		currentSet := make(map[string]struct{}, len(current))
		for _, ch := range current {
			currentSet[ch] = struct{}{}
		}
		for ch := range wantSet {
			if _, have := currentSet[ch]; !have {
				additions = append(additions, ch)
			}
		}
		sort.Strings(additions)

		if len(removals) > 0 {
			if err := s.unsubscribe(removals); err != nil {
				log.Printf("⚠️  Session %d unsubscribe failed: %v", s.id, err)
				continue
			}
			unsubscribed += len(removals)
		}
		if len(additions) > 0 {
			if err := s.subscribe(additions); err != nil {
				log.Printf("⚠️  Session %d subscribe failed: %v", s.id, err)
				continue
			}
			subscribed += len(additions)
		}
	}

	log.Printf("🔄 Rebalance complete: %d contracts tracked, +%d/-%d quote channels, %d total subscriptions",
		len(snapshot), subscribed, unsubscribed, f.SubscriptionCount())
}
