// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import "expvar"

// busMetrics record domain activity counters.
type busMetrics struct {
	connected     expvar.Int // number of peers connected
	resets        expvar.Int // number of peer resets
	tornDown      expvar.Int // number of peers torn down
	sends         expvar.Int // number of sends committed
	sendErrs      expvar.Int // number of sends reporting an error
	recvs         expvar.Int // number of receives and peeks served
	recvErrs      expvar.Int // number of receives reporting an error
	dropped       expvar.Int // number of messages dropped after dequeue
	resolves      expvar.Int // number of name lookups
	resolveMisses expvar.Int // number of name lookups finding nothing

	emap *expvar.Map
}

func newBusMetrics() *busMetrics {
	bm := &busMetrics{emap: new(expvar.Map)}
	bm.emap.Set("peers_connected", &bm.connected)
	bm.emap.Set("peers_reset", &bm.resets)
	bm.emap.Set("peers_torn_down", &bm.tornDown)
	bm.emap.Set("sends", &bm.sends)
	bm.emap.Set("sends_failed", &bm.sendErrs)
	bm.emap.Set("recvs", &bm.recvs)
	bm.emap.Set("recvs_failed", &bm.recvErrs)
	bm.emap.Set("messages_dropped", &bm.dropped)
	bm.emap.Set("resolves", &bm.resolves)
	bm.emap.Set("resolve_misses", &bm.resolveMisses)
	return bm
}
