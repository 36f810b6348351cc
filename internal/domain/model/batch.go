package model

// BatchView is the derived aggregate over the member jobs of one batch.
// Batches hold no state of their own: a batch exists as the shared batch_id
// on its member jobs and this view is computed from them on demand.
type BatchView struct {
	BatchID    string
	Jobs       []*Job
	Progress   int // weighted average, see ComputeBatchView
	Completed  int
	Failed     int
	Cancelled  int
	Processing int
	Pending    int
}

// Done reports whether every member job reached a terminal status.
// Cancelled counts as terminal here.
func (v *BatchView) Done() bool {
	return len(v.Jobs) > 0 && v.Completed+v.Failed+v.Cancelled == len(v.Jobs)
}

// ComputeBatchView aggregates member jobs into a single batch view.
// Weighting: a terminal job contributes 100, a processing job its current
// progress, a pending job 0. A failed render therefore still counts toward
// overall batch progress; the job's own progress field keeps the value it
// had when it failed.
func ComputeBatchView(batchID string, jobs []*Job) *BatchView {
	v := &BatchView{BatchID: batchID, Jobs: jobs}
	if len(jobs) == 0 {
		return v
	}
	sum := 0
	for _, j := range jobs {
		switch j.Status {
		case JobStatusCompleted:
			v.Completed++
			sum += 100
		case JobStatusFailed:
			v.Failed++
			sum += 100
		case JobStatusCancelled:
			v.Cancelled++
			sum += 100
		case JobStatusProcessing:
			v.Processing++
			sum += j.Progress
		default:
			v.Pending++
		}
	}
	v.Progress = sum / len(jobs)
	return v
}
