package envelope

import (
	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
)

// Routing and priority are two independent, deliberately separate policy
// layers: the job type picks the queue class, a high user-facing batch
// priority overrides the class, and the numeric queue priority is the
// inverted user-facing priority. Neither is derived from the other.

// Route returns the queue class for a job type and batch priority.
// Batches at or above voxpipe.HighPriorityThreshold go to the
// high-priority class regardless of job type.
func Route(jobType batch.JobType, priority int) string {
	if priority >= voxpipe.HighPriorityThreshold {
		return voxpipe.QueueClassHighPriority
	}
	switch jobType {
	case batch.JobTypeASR, batch.JobTypeASRNMT:
		return voxpipe.QueueClassASR
	case batch.JobTypeNMT:
		return voxpipe.QueueClassNMT
	default:
		return voxpipe.QueueClassDefault
	}
}

// QueuePriority maps the user-facing batch priority (1–10, higher is
// more urgent) to the numeric queue priority (0–9, lower is served
// first), so priority 10 is served before priority 1.
func QueuePriority(priority int) int {
	p := 10 - priority
	if p < 0 {
		return 0
	}
	if p > 9 {
		return 9
	}
	return p
}
