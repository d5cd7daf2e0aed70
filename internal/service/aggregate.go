package service

import (
	"math"
	"sort"

	"github.com/genforge/api/internal/model"
)

// Aggregation is the parent view derived from its chunks.
type Aggregation struct {
	Status          model.JobStatus
	Progress        int
	ResultLocations []string
}

// Aggregate derives a parent's status and progress from its chunk rows.
// Rows replaced by a retry are ignored. It has no side effects and does not
// depend on the order of children.
func Aggregate(parentStatus model.JobStatus, chunkTotal int, children []*model.Job) Aggregation {
	current := CurrentChunks(children)

	var completed, failed, active int
	for _, c := range current {
		switch c.Status {
		case model.JobStatusCompleted:
			completed++
		case model.JobStatusFailed:
			failed++
		default:
			active++
		}
	}

	agg := Aggregation{Status: parentStatus}
	if chunkTotal > 0 {
		agg.Progress = int(math.Round(100 * float64(completed) / float64(chunkTotal)))
	}

	switch {
	case chunkTotal > 0 && failed == chunkTotal:
		agg.Status = model.JobStatusFailed
	case chunkTotal > 0 && completed == chunkTotal:
		agg.Status = model.JobStatusCompleted
		for _, c := range current {
			agg.ResultLocations = append(agg.ResultLocations, c.ResultLocations...)
		}
	case active > 0:
		agg.Status = model.JobStatusProcessing
	}
	return agg
}

// CurrentChunks drops rows superseded by a retry and orders the rest by
// chunk index. When two live rows claim one index the newest wins.
func CurrentChunks(children []*model.Job) []*model.Job {
	superseded := make(map[string]bool)
	for _, c := range children {
		if c.RetryOf != nil {
			superseded[*c.RetryOf] = true
		}
	}

	byIndex := make(map[int]*model.Job)
	for _, c := range children {
		if superseded[c.ID] || c.ChunkIndex == nil {
			continue
		}
		idx := *c.ChunkIndex
		if prev, ok := byIndex[idx]; !ok || c.CreatedAt.After(prev.CreatedAt) ||
			(c.CreatedAt.Equal(prev.CreatedAt) && c.ID > prev.ID) {
			byIndex[idx] = c
		}
	}

	out := make([]*model.Job, 0, len(byIndex))
	for _, c := range byIndex {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return *out[a].ChunkIndex < *out[b].ChunkIndex })
	return out
}
