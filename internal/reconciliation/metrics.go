package reconciliation

import "github.com/charitycoin/coinescrow/internal/metrics"

func record(r *Report) {
	metrics.LockedCoins.Set(float64(r.LockedCoins))
	metrics.OpenEscrowCoins.Set(float64(r.OpenEscrowCoins))
	metrics.ReconciliationMismatches.Set(float64(len(r.Mismatches)))
	if r.OK() {
		metrics.ReconciliationRunsTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.ReconciliationRunsTotal.WithLabelValues("mismatch").Inc()
	}
}

func recordError() {
	metrics.ReconciliationRunsTotal.WithLabelValues("error").Inc()
}
