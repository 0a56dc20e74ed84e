// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package proxy

import "expvar"

// metrics record activity shared by every RobotProxy, the same
// package-level shared-map shape rpc.peerMetrics uses for every Peer.
type metrics struct {
	created expvar.Int
	closed  expvar.Int
	sessions expvar.Int

	emap *expvar.Map
}

var proxyMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("created", &m.created)
	m.emap.Set("closed", &m.closed)
	m.emap.Set("client_sessions", &m.sessions)
	return m
}

// Metrics returns the proxy package's shared expvar map. "created" minus
// "closed" is the number of proxies currently outstanding (created and not
// yet dead);
// it need not equal router.Router.Count, which only counts proxies still
// registered in the map.
func Metrics() *expvar.Map { return proxyMetrics.emap }
