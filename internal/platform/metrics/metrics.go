package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	RoleFetches              prometheus.Counter
	PermissionFetches        prometheus.Counter
	PermissionFetchesSkipped prometheus.Counter
	PermissionChecksDenied   prometheus.Counter
	SessionCheckTimeouts     prometheus.Counter
	ImpersonationStarts      prometheus.Counter
	ImpersonationStops       prometheus.Counter
	LoginAttemptsLocked      prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RoleFetches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsgate_role_fetches_total",
			Help: "Total role set fetches issued by the role resolver",
		}),
		PermissionFetches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsgate_permission_fetches_total",
			Help: "Total permission grant fetches issued by the permission resolver",
		}),
		PermissionFetchesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsgate_permission_fetches_skipped_total",
			Help: "Permission fetches skipped because the user holds the admin role",
		}),
		PermissionChecksDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsgate_permission_checks_denied_total",
			Help: "Permission checks that resolved to deny",
		}),
		SessionCheckTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsgate_session_check_timeouts_total",
			Help: "Initial session checks ended by the liveness timeout",
		}),
		ImpersonationStarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsgate_impersonation_starts_total",
			Help: "Impersonations started by admins",
		}),
		ImpersonationStops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsgate_impersonation_stops_total",
			Help: "Impersonations stopped, including stops forced by sign-out",
		}),
		LoginAttemptsLocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opsgate_login_attempts_locked_total",
			Help: "Sign-in attempts rejected by the lockout window",
		}),
	}
}

// NewForTest creates metrics on a private registry so parallel tests never
// collide on the default registerer.
func NewForTest() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		RoleFetches:              factory.NewCounter(prometheus.CounterOpts{Name: "opsgate_role_fetches_total"}),
		PermissionFetches:        factory.NewCounter(prometheus.CounterOpts{Name: "opsgate_permission_fetches_total"}),
		PermissionFetchesSkipped: factory.NewCounter(prometheus.CounterOpts{Name: "opsgate_permission_fetches_skipped_total"}),
		PermissionChecksDenied:   factory.NewCounter(prometheus.CounterOpts{Name: "opsgate_permission_checks_denied_total"}),
		SessionCheckTimeouts:     factory.NewCounter(prometheus.CounterOpts{Name: "opsgate_session_check_timeouts_total"}),
		ImpersonationStarts:      factory.NewCounter(prometheus.CounterOpts{Name: "opsgate_impersonation_starts_total"}),
		ImpersonationStops:       factory.NewCounter(prometheus.CounterOpts{Name: "opsgate_impersonation_stops_total"}),
		LoginAttemptsLocked:      factory.NewCounter(prometheus.CounterOpts{Name: "opsgate_login_attempts_locked_total"}),
	}
}
