// Package metrics exposes the bridge's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionsTotal counts transactions accepted from the home server.
	TransactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Name:      "transactions_total",
		Help:      "Transactions received from the home server.",
	})

	// EventsTotal counts transaction events by type and outcome.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Name:      "events_total",
		Help:      "Transaction events by type and outcome.",
	}, []string{"type", "outcome"})

	// ClientEventsTotal counts events surfaced by IM back-ends.
	ClientEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Name:      "client_events_total",
		Help:      "Events surfaced by IM back-ends, by callback id.",
	}, []string{"callback"})

	// CallbackPanicsTotal counts recovered callback panics.
	CallbackPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Name:      "callback_panics_total",
		Help:      "Callback panics recovered by the dispatchers.",
	})

	// OfflineMessagesStored counts offline rows written, by destination.
	OfflineMessagesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Name:      "offline_messages_stored_total",
		Help:      "Offline messages persisted for later delivery.",
	}, []string{"destination"})

	// OfflineMessagesDelivered counts offline rows redelivered, by destination.
	OfflineMessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pumaduct",
		Name:      "offline_messages_delivered_total",
		Help:      "Offline messages successfully redelivered.",
	}, []string{"destination"})
)
