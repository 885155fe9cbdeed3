package job

import "sort"

// DueBefore orders dispatchable jobs: earliest NextAttemptAt first, then
// earliest CreatedAt, then ID. Stores without an index use it to sort
// ListDue results.
func DueBefore(a, b *Job) bool {
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// SortDue sorts jobs in dispatch order.
func SortDue(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool { return DueBefore(jobs[i], jobs[k]) })
}

// SortNewest sorts jobs newest first, the order ListJobs returns.
func SortNewest(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() > jobs[k].ID.String()
	})
}

// Matches reports whether j passes the state and transport filters.
func (o ListOpts) Matches(j *Job) bool {
	return (o.State == "" || j.State == o.State) && (o.Transport == "" || j.Transport == o.Transport)
}

// Matches reports whether j passes the state and transport filters.
func (o CountOpts) Matches(j *Job) bool {
	return (o.State == "" || j.State == o.State) && (o.Transport == "" || j.Transport == o.Transport)
}

// Page applies Offset and Limit to an already ordered slice.
func (o ListOpts) Page(jobs []*Job) []*Job {
	if o.Offset > 0 {
		if o.Offset >= len(jobs) {
			return []*Job{}
		}
		jobs = jobs[o.Offset:]
	}
	if o.Limit > 0 && len(jobs) > o.Limit {
		jobs = jobs[:o.Limit]
	}
	return jobs
}
