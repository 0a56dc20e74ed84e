// Copyright (C) 2024 Barobo, Inc. All Rights Reserved.

package dongle

import "expvar"

// controllerMetrics record lifecycle activity for a single Controller, the
// same per-instance shared-map shape router.routerMetrics uses.
type controllerMetrics struct {
	acquisitions      expvar.Int
	cooldowns         expvar.Int
	handshakeFailures expvar.Int
	keepaliveFailures expvar.Int

	emap *expvar.Map
}

func newControllerMetrics() *controllerMetrics {
	m := &controllerMetrics{emap: new(expvar.Map)}
	m.emap.Set("acquisitions", &m.acquisitions)
	m.emap.Set("cooldowns", &m.cooldowns)
	m.emap.Set("handshake_failures", &m.handshakeFailures)
	m.emap.Set("keepalive_failures", &m.keepaliveFailures)
	return m
}

// Metrics returns the controller's expvar map: a count of successful
// acquisitions (Connecting -> Live transitions), cooldowns entered, and two
// categories of failure that send the controller back to Cooldown:
// handshake/connect errors before a generation goes Live, and keepalive trap
// failures during one. A receive-trap failure is counted only as a cooldown.
func (c *Controller) Metrics() *expvar.Map { return c.metrics.emap }
