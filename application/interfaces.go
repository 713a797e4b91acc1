package application

// WorkerMetrics counts background worker passes
type WorkerMetrics interface {
	WorkerRun(worker string, items int, err error)
}

type noopWorkerMetrics struct{}

func (noopWorkerMetrics) WorkerRun(string, int, error) {}
