package constants

// JobStatus is the canonical status for rows in processing_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusUploaded         JobStatus = "UPLOADED"          // document stored, job not picked up yet
	JobStatusClassifying      JobStatus = "CLASSIFYING"       // deciding scanned vs digital
	JobStatusExtractingText   JobStatus = "EXTRACTING_TEXT"   // text layer pull or per-page OCR
	JobStatusExtractingFields JobStatus = "EXTRACTING_FIELDS" // rules + AI fallback over page text
	JobStatusRetryPending     JobStatus = "RETRY_PENDING"     // a stage failed with a retryable error
	JobStatusCompleted        JobStatus = "COMPLETED"         // success terminal
	JobStatusFailed           JobStatus = "FAILED"            // failure terminal
	JobStatusCancelled        JobStatus = "CANCELLED"         // cancelled between stages, terminal
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// UserVisible maps internal statuses to what the status endpoint shows.
// Retry mechanics are not exposed to end users.
func (s JobStatus) UserVisible() string {
	switch s {
	case JobStatusUploaded:
		return "pending"
	case JobStatusClassifying, JobStatusExtractingText, JobStatusExtractingFields, JobStatusRetryPending:
		return "processing"
	case JobStatusCompleted:
		return "completed"
	case JobStatusFailed:
		return "failed"
	case JobStatusCancelled:
		return "cancelled"
	}
	return string(s)
}

// Stage names a pipeline stage for error reporting and retry bookkeeping.
type Stage string

const (
	StageClassify      Stage = "classify"
	StageExtractText   Stage = "extract_text"
	StageExtractFields Stage = "extract_fields"
	StagePersist       Stage = "persist"
)

// StatusForStage returns the in-progress status a stage runs under.
func StatusForStage(s Stage) JobStatus {
	switch s {
	case StageClassify:
		return JobStatusClassifying
	case StageExtractText:
		return JobStatusExtractingText
	case StageExtractFields, StagePersist:
		return JobStatusExtractingFields
	}
	return JobStatusFailed
}
