// manager.go keeps the working set of option-ticker subscriptions in sync
// with the top-N instruments by open interest.
//
// The manager wakes on every fresh book-summary payload (and at least every
// RefreshInterval), ranks the latest summaries, diffs the target set against
// what is currently subscribed, and issues chunked subscribe/unsubscribe
// RPCs. It only runs on authenticated sessions.
package collector

import (
	"context"
	"sort"
	"time"

	"dealerflow/internal/deribit"
	"dealerflow/pkg/types"
)

const (
	// MaxChannelsPerRequest is the exchange's per-RPC channel array cap.
	MaxChannelsPerRequest = 40

	// chunkGap spaces consecutive chunked RPCs.
	chunkGap = 100 * time.Millisecond
)

// topNInstruments ranks summaries descending by open interest and returns
// the names of the first n. Entries without an instrument name are skipped.
func topNInstruments(summaries []types.InstrumentSummary, n int) []string {
	ranked := make([]types.InstrumentSummary, 0, len(summaries))
	for _, s := range summaries {
		if s.InstrumentName == "" {
			continue
		}
		ranked = append(ranked, s)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].OpenInterest > ranked[j].OpenInterest
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = ranked[i].InstrumentName
	}
	return names
}

// diffSubscriptions computes which channels to drop and which to add to move
// the active set onto the target set.
func diffSubscriptions(active map[string]bool, target []string) (unsubscribe, subscribe []string) {
	wanted := make(map[string]bool, len(target))
	for _, name := range target {
		wanted[name] = true
		if !active[name] {
			subscribe = append(subscribe, deribit.TickerChannel(name))
		}
	}
	for name := range active {
		if !wanted[name] {
			unsubscribe = append(unsubscribe, deribit.TickerChannel(name))
		}
	}
	sort.Strings(unsubscribe)
	sort.Strings(subscribe)
	return unsubscribe, subscribe
}

// chunkChannels splits a channel list into slices of at most
// MaxChannelsPerRequest.
func chunkChannels(channels []string) [][]string {
	var chunks [][]string
	for len(channels) > 0 {
		n := MaxChannelsPerRequest
		if n > len(channels) {
			n = len(channels)
		}
		chunks = append(chunks, channels[:n])
		channels = channels[n:]
	}
	return chunks
}

// runSubscriptionManager owns the active-subscriptions set for the lifetime
// of one connection. The set dies with the connection, so a reconnect always
// rebuilds it from the next summary.
func (c *Collector) runSubscriptionManager(ctx context.Context) {
	active := make(map[string]bool)
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.summaryWake:
		case <-ticker.C:
		}
		c.syncSubscriptions(ctx, active)
	}
}

func (c *Collector) syncSubscriptions(ctx context.Context, active map[string]bool) {
	c.summariesMu.RLock()
	summaries := c.latestSummaries
	c.summariesMu.RUnlock()
	if len(summaries) == 0 {
		return
	}

	target := topNInstruments(summaries, c.cfg.MaxAuthInstruments)
	unsub, sub := diffSubscriptions(active, target)
	if len(unsub) == 0 && len(sub) == 0 {
		return
	}

	if err := c.sendChunked(ctx, "public/unsubscribe", unsub); err != nil {
		c.logger.Warn("unsubscribe failed", "error", err, "channels", len(unsub))
		return
	}
	if err := c.sendChunked(ctx, "public/subscribe", sub); err != nil {
		c.logger.Warn("subscribe failed", "error", err, "channels", len(sub))
		return
	}

	// Only mutate the set after the RPCs went out.
	for _, ch := range unsub {
		delete(active, instrumentFromTickerChannel(ch))
	}
	for _, ch := range sub {
		active[instrumentFromTickerChannel(ch)] = true
	}

	c.logger.Info("ticker subscriptions updated",
		"target", len(target),
		"subscribed", len(sub),
		"unsubscribed", len(unsub),
	)
}

func (c *Collector) sendChunked(ctx context.Context, method string, channels []string) error {
	for i, chunk := range chunkChannels(channels) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkGap):
			}
		}
		if err := c.sendRPC(method, deribit.SubscribeParams{Channels: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// instrumentFromTickerChannel inverts deribit.TickerChannel:
// "ticker.<instrument>.100ms" -> "<instrument>".
func instrumentFromTickerChannel(channel string) string {
	const prefix, suffix = "ticker.", ".100ms"
	if len(channel) <= len(prefix)+len(suffix) {
		return channel
	}
	return channel[len(prefix) : len(channel)-len(suffix)]
}
