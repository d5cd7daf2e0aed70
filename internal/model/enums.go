package model

// Job kinds
type JobKind string

const (
	JobKindImage    JobKind = "image"
	JobKindVideo    JobKind = "video"
	JobKindAudio    JobKind = "audio"
	JobKindDocument JobKind = "document"
)

var ValidJobKinds = []JobKind{
	JobKindImage, JobKindVideo, JobKindAudio, JobKindDocument,
}

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further status transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// rank orders statuses along the state graph; terminal states share a rank.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether next is a legal forward move from s.
// Staying in processing is allowed so progress can be written through.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if s == JobStatusProcessing && next == JobStatusProcessing {
		return true
	}
	return next.rank() > s.rank()
}

// Billing plans
type Plan string

const (
	PlanFree      Plan = "free"
	PlanPro       Plan = "pro"
	PlanUnlimited Plan = "unlimited"
)

// Refund marker states persisted on a job
type RefundState string

const (
	RefundStateNone    RefundState = "none"
	RefundStatePending RefundState = "pending"
	RefundStateSettled RefundState = "settled"
)

// Usage record kinds
type UsageKind string

const (
	UsageKindDebit  UsageKind = "debit"
	UsageKindRefund UsageKind = "refund"
)

// Error codes stored in job error details
const (
	ErrorCodeSubmissionFailed = "PROVIDER_SUBMISSION_FAILED"
	ErrorCodeResultMissing    = "PROVIDER_RESULT_MISSING"
	ErrorCodeProviderFailure  = "PROVIDER_REPORTED_FAILURE"
)
