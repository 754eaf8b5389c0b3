package jobs

import (
	jobmetrics "github.com/kardex-erp/kardex/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
)

// defaultJobMetrics backs jobs constructed without explicit collectors.
var defaultJobMetrics = jobmetrics.NewMetrics(nil)
