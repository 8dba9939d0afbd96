// Package events fans instrument lifecycle and hit events out to subscribers.
//
// # Event Types
//
//   - TypeAdded: an instrument entered the live set
//   - TypeApplied: a probe confirmed it installed the instrument
//   - TypeHit: a probe reported the instrument firing
//   - TypeRemoved: the instrument left the live set, with an optional cause
//
// # Feeds
//
// Subscribe returns the global feed carrying every event. SubscribeInstrument
// returns a feed limited to one instrument id and receives APPLIED, HIT and
// REMOVED events for it.
//
//	ch, subID := bus.Subscribe(ctx)
//	for ev := range ch {
//	    ...
//	}
//
// Subscriptions end when their context is cancelled; the channel is closed at
// that point. Delivery is best effort: each subscriber has a 64 event buffer
// and events are dropped for subscribers that fall behind rather than
// blocking the publisher.
package events
