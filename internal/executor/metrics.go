package executor

import "expvar"

// Counters exposed on /debug/vars through the status server.
var (
	executorVars = expvar.NewMap("executor")

	metricOps          = new(expvar.Int)
	metricEpochs       = new(expvar.Int)
	metricRecordErrors = new(expvar.Int)
)

func init() {
	executorVars.Set("ops_forwarded", metricOps)
	executorVars.Set("epochs_injected", metricEpochs)
	executorVars.Set("record_errors_dropped", metricRecordErrors)
}
