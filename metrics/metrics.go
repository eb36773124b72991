// Package metrics holds the Prometheus collectors for the FuseVault core:
// upload and delete outcomes, verification verdicts, recovery attempts,
// chain transactions, pending-coordinator traffic and rate-limit rejections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Uploads counts upload orchestrations by kind (create, recreate,
	// version_create, update) and status (success, pending, error).
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusevault",
		Name:      "uploads_total",
		Help:      "Upload orchestrations by kind and status.",
	}, []string{"kind", "status"})

	// Deletes counts delete orchestrations by status (success, pending,
	// warning, synced, error).
	Deletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusevault",
		Name:      "deletes_total",
		Help:      "Delete orchestrations by status.",
	}, []string{"status"})

	// Verifications counts retrieval-path verdicts.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusevault",
		Name:      "verifications_total",
		Help:      "Verification verdicts by outcome (verified, tampered).",
	}, []string{"outcome"})

	// Recoveries counts auto-recovery attempts by kind (cid, deletion) and
	// outcome (success, failure).
	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusevault",
		Name:      "recoveries_total",
		Help:      "Auto-recovery attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	// ChainTransactions counts submitted contract transactions by method and
	// mode (server, user).
	ChainTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusevault",
		Name:      "chain_transactions_total",
		Help:      "Contract transactions by method and signing mode.",
	}, []string{"method", "mode"})

	// PendingOps counts pending-transaction coordinator operations.
	PendingOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fusevault",
		Name:      "pending_operations_total",
		Help:      "Pending-transaction coordinator operations.",
	}, []string{"op"})

	// RateLimited counts rejected API-key requests.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fusevault",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-wallet rate limiter.",
	})

	// VerifyDuration observes end-to-end retrieval verification time.
	VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fusevault",
		Name:      "verify_duration_seconds",
		Help:      "End-to-end verification latency.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler { return promhttp.Handler() }
