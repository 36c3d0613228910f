// Package metrics defines the Prometheus instruments exported by the bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheEvictions counts timer-driven cache evictions per namespace.
	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testimony",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Timer-driven cache evictions by namespace.",
	}, []string{"namespace"})

	// PolicyDenials counts throttle and rate-limit denials.
	PolicyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testimony",
		Subsystem: "guard",
		Name:      "denials_total",
		Help:      "Policy denials by policy kind and subcommand.",
	}, []string{"policy", "subcommand"})

	// RemindersFired counts delivered reminder notifications.
	RemindersFired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testimony",
		Subsystem: "remind",
		Name:      "fired_total",
		Help:      "Reminder notifications delivered.",
	})

	// QuizRounds counts started quiz rounds.
	QuizRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testimony",
		Subsystem: "quiz",
		Name:      "rounds_total",
		Help:      "Quiz rounds started.",
	})

	// EventsPublished counts events accepted by the kernel bus per kind.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testimony",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events accepted for distribution by kind.",
	}, []string{"kind"})

	// EventsDropped counts events dropped by subscription backpressure.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testimony",
		Subsystem: "bus",
		Name:      "events_dropped_total",
		Help:      "Events dropped by backpressure per subscription.",
	}, []string{"subscription"})
)
