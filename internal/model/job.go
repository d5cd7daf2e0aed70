package model

import (
	"encoding/json"
	"time"
)

// Job is one submitted unit of generation work
type Job struct {
	ID                string          `json:"id"`
	CorrelationID     string          `json:"job_id"`
	OwnerID           string          `json:"owner_id"`
	Kind              JobKind         `json:"kind"`
	Model             string          `json:"model"`
	Status            JobStatus       `json:"status"`
	ProviderRequestID *string         `json:"provider_request_id,omitempty"`
	GatewayRequestID  *string         `json:"gateway_request_id,omitempty"`
	Cost              int64           `json:"cost"`
	RenewableCharged  int64           `json:"-"`
	PermanentCharged  int64           `json:"-"`
	Progress          int             `json:"progress"`
	ResultLocations   []string        `json:"result_locations"`
	Error             *ErrorDetail    `json:"error,omitempty"`
	Params            json.RawMessage `json:"-"`
	ParentID          *string         `json:"parent_id,omitempty"`
	ChunkIndex        *int            `json:"chunk_index,omitempty"`
	ChunkTotal        *int            `json:"chunk_total,omitempty"`
	RetryOf           *string         `json:"retry_of,omitempty"`
	RefundState       RefundState     `json:"-"`
	Version           int64           `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// ErrorDetail is the structured failure reason of a job
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// FieldError is one per-field validation complaint reported by the provider
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// IsParent reports whether the job fans out into chunk rows.
func (j *Job) IsParent() bool {
	return j.ParentID == nil && j.ChunkTotal != nil && *j.ChunkTotal > 0
}

// IsChunk reports whether the job is a chunk of a parent job.
func (j *Job) IsChunk() bool {
	return j.ParentID != nil
}

// Draw returns the token split charged for this job.
func (j *Job) Draw() Draw {
	return Draw{Renewable: j.RenewableCharged, Permanent: j.PermanentCharged}
}

// NeedsResultBackfill reports a completed job that lost its result locations.
func (j *Job) NeedsResultBackfill() bool {
	return j.Status == JobStatusCompleted && len(j.ResultLocations) == 0
}

// Clone returns a deep copy so stored rows are never aliased by callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ProviderRequestID = cloneString(j.ProviderRequestID)
	c.GatewayRequestID = cloneString(j.GatewayRequestID)
	c.ParentID = cloneString(j.ParentID)
	c.RetryOf = cloneString(j.RetryOf)
	c.ChunkIndex = cloneInt(j.ChunkIndex)
	c.ChunkTotal = cloneInt(j.ChunkTotal)
	if j.ResultLocations != nil {
		c.ResultLocations = append([]string(nil), j.ResultLocations...)
	}
	if j.Params != nil {
		c.Params = append(json.RawMessage(nil), j.Params...)
	}
	if j.Error != nil {
		e := *j.Error
		e.Fields = append([]FieldError(nil), j.Error.Fields...)
		c.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobUpdate describes one compare-and-set write on a job row.
// Nil fields are left untouched.
type JobUpdate struct {
	Status            JobStatus
	ProviderRequestID *string
	GatewayRequestID  *string
	Progress          *int
	ResultLocations   []string
	Error             *ErrorDetail
	RefundState       *RefundState
	CompletedAt       *time.Time
}

// Apply writes the update onto j and bumps its version.
func (u JobUpdate) Apply(j *Job, now time.Time) {
	if u.Status != "" {
		j.Status = u.Status
	}
	if u.ProviderRequestID != nil {
		j.ProviderRequestID = cloneString(u.ProviderRequestID)
	}
	if u.GatewayRequestID != nil {
		j.GatewayRequestID = cloneString(u.GatewayRequestID)
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.ResultLocations != nil {
		j.ResultLocations = append([]string(nil), u.ResultLocations...)
	}
	if u.Error != nil {
		e := *u.Error
		j.Error = &e
	}
	if u.RefundState != nil {
		j.RefundState = *u.RefundState
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		j.CompletedAt = &t
	}
	j.Version++
	j.UpdatedAt = now
}

// ChunkView is the client-facing summary of one chunk
type ChunkView struct {
	JobID           string       `json:"job_id"`
	Index           int          `json:"index"`
	Status          JobStatus    `json:"status"`
	Progress        int          `json:"progress"`
	ResultLocations []string     `json:"result_locations"`
	Error           *ErrorDetail `json:"error,omitempty"`
}

// JobView is the client-facing status document
type JobView struct {
	JobID           string       `json:"job_id"`
	Kind            JobKind      `json:"kind"`
	Status          JobStatus    `json:"status"`
	Progress        int          `json:"progress"`
	Cost            int64        `json:"cost"`
	ResultLocations []string     `json:"result_locations"`
	Error           *ErrorDetail `json:"error"`
	RetryOf         *string      `json:"retry_of,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	Chunks          []ChunkView  `json:"chunks,omitempty"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
