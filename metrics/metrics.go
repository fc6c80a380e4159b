// Package metrics holds the Prometheus collectors of a shardview member. They are
// defined standalone so every component can bump them without import cycles; the
// node command registers them once and serves them through the monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DriverRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardview_driver_requests_total",
		Help: "Requests issued by the drivers, by outcome",
	}, []string{"driver", "result"}) // result: sent|acked|timeout|late

	DriverInterval = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shardview_driver_interval_seconds",
		Help: "Current tick interval of the drivers",
	}, []string{"driver"})

	EntitiesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardview_entities_active",
		Help: "Entity processes currently hosted by this member",
	})

	EntityMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shardview_entity_messages_total",
		Help: "Messages handled by local entity processes",
	}, []string{"type"})

	RoutingMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardview_routing_misses_total",
		Help: "Messages dropped because no shard could be derived or no route was found",
	})

	BroadcastsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardview_broadcasts_sent_total",
		Help: "Topology actions forwarded to other members",
	})

	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shardview_broadcast_failures_total",
		Help: "Topology actions that could not be handed to another member",
	})

	TopologyEntities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardview_topology_entities",
		Help: "Entities in the local topology view",
	})

	ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shardview_cluster_members",
		Help: "Members currently up as seen by this member",
	})
)

// collectors is the full set registered by Register.
var collectors = []prometheus.Collector{
	DriverRequests,
	DriverInterval,
	EntitiesActive,
	EntityMessages,
	RoutingMisses,
	BroadcastsSent,
	BroadcastFailures,
	TopologyEntities,
	ClusterMembers,
}

// Register registers the collectors on the given registry (or default if nil).
// Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the scrape endpoint for the given gatherer (or default if nil).
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
