// Package metrics carries the kernel's ambient Prometheus
// instrumentation. It is instrumentation only — scraping it,
// dashboarding it, and alerting on it are the out-of-core concerns
// spec.md §1 names as external collaborators; this package just
// exposes the counters and histograms in the style the teacher's
// dependency on github.com/prometheus/client_golang implies and the
// rest of the pack (thc1006-nephoran-intent-operator) exercises with
// promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflowkernel_eventbus_published_total",
		Help: "Events accepted by the bus, by event type.",
	}, []string{"event_type"})

	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflowkernel_eventbus_delivered_total",
		Help: "Events successfully delivered to a subscriber.",
	}, []string{"event_type"})

	EventsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflowkernel_eventbus_retries_total",
		Help: "Subscriber delivery attempts that failed and were retried.",
	}, []string{"event_type"})

	EventsDLQ = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflowkernel_eventbus_dlq_total",
		Help: "Events moved to the dead-letter queue after exhausting retries.",
	}, []string{"event_type"})

	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflowkernel_workflow_transitions_total",
		Help: "Workflow state transitions, by resulting state.",
	}, []string{"to_state"})

	ConcurrentModifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflowkernel_concurrent_modifications_total",
		Help: "Optimistic version guard rejections across the kernel.",
	})

	ApprovalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflowkernel_approval_decisions_total",
		Help: "Approval decisions recorded, by decision.",
	}, []string{"decision"})

	ApprovalTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflowkernel_approval_timeouts_total",
		Help: "Approvals expired by the timeout manager.",
	})

	WorkflowRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflowkernel_workflow_retries_total",
		Help: "Workflow-level retries issued by the timeout manager.",
	})

	WorkflowsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflowkernel_workflows_abandoned_total",
		Help: "Workflows that exhausted their retry budget and were moved to the DLQ.",
	})

	ApprovalSubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workflowkernel_approval_submit_seconds",
		Help:    "Time to process a decision submission end to end.",
		Buckets: prometheus.DefBuckets,
	})
)
