package entitlement

import "github.com/prometheus/client_golang/prometheus"

var (
	computations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "entitlement",
		Name:      "computations_total",
		Help:      "Claimable balance computations by ledger source and result.",
	}, []string{"source", "result"})

	anomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Name:      "accounting_anomalies_total",
		Help:      "Accounting anomalies detected while computing claimable balances.",
	}, []string{"kind"})

	duplicateWithdrawals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowrecon",
		Subsystem: "entitlement",
		Name:      "duplicate_withdrawal_events_total",
		Help:      "Redelivered withdrawal events skipped during replay.",
	})
)

func init() {
	prometheus.MustRegister(computations, anomalies, duplicateWithdrawals)
}
