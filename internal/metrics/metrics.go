// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignIns counts completed sign-ins by provider.
	SignIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "sign_ins_total",
		Help:      "Completed sign-ins by provider.",
	}, []string{"provider"})

	// SignInFailures counts rejected sign-in attempts by provider.
	SignInFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "sign_in_failures_total",
		Help:      "Rejected sign-in attempts by provider.",
	}, []string{"provider"})

	// TokenRefreshes counts successful refresh-token rotations.
	TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "token_refreshes_total",
		Help:      "Successful refresh token rotations.",
	})

	// TheftDetections counts sessions invalidated after refresh-token reuse
	// outside the grace window.
	TheftDetections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "refresh_token_theft_detections_total",
		Help:      "Sessions invalidated after refresh token reuse.",
	})

	// APIKeyVerifications counts API key verifications by outcome
	// (ok, invalid, revoked, expired, rate_limited, invalid_scope).
	APIKeyVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "api_key_verifications_total",
		Help:      "API key verifications by outcome.",
	}, []string{"outcome"})

	// ReaperDeletions counts rows removed by the background expiry sweeps.
	ReaperDeletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authgate",
		Name:      "reaper_deletions_total",
		Help:      "Expired rows removed by the background reaper.",
	}, []string{"entity"})
)
