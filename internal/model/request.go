package model

// SubmitRequest is the body of POST /api/jobs. Exactly one params block
// matching Kind must be present.
type SubmitRequest struct {
	Kind     JobKind         `json:"kind" validate:"required,oneof=image video audio document"`
	Model    string          `json:"model" validate:"omitempty,max=200"`
	Image    *ImageParams    `json:"image,omitempty" validate:"omitempty"`
	Video    *VideoParams    `json:"video,omitempty" validate:"omitempty"`
	Audio    *AudioParams    `json:"audio,omitempty" validate:"omitempty"`
	Document *DocumentParams `json:"document,omitempty" validate:"omitempty"`
}

// ImageParams holds text-to-image parameters
type ImageParams struct {
	Prompt         string `json:"prompt" validate:"required,min=1,max=4000"`
	NegativePrompt string `json:"negative_prompt,omitempty" validate:"omitempty,max=2000"`
	NumImages      int    `json:"num_images,omitempty" validate:"omitempty,min=1,max=4"`
	ImageSize      string `json:"image_size,omitempty" validate:"omitempty,oneof=square_hd square portrait_4_3 portrait_16_9 landscape_4_3 landscape_16_9"`
	Seed           *int64 `json:"seed,omitempty"`
}

// VideoParams holds text/image-to-video parameters
type VideoParams struct {
	Prompt          string `json:"prompt" validate:"required,min=1,max=4000"`
	ImageURL        string `json:"image_url,omitempty" validate:"omitempty,url"`
	DurationSeconds int    `json:"duration_seconds" validate:"required,min=1,max=10"`
	AspectRatio     string `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1"`
}

// AudioParams holds text-to-audio parameters
type AudioParams struct {
	Prompt          string `json:"prompt" validate:"required,min=1,max=2000"`
	DurationSeconds int    `json:"duration_seconds" validate:"required,min=1,max=300"`
}

// DocumentParams holds long-form text-to-speech parameters; the text is
// split into chunks that are narrated independently.
type DocumentParams struct {
	Text  string `json:"text" validate:"required,min=1,max=200000"`
	Voice string `json:"voice,omitempty" validate:"omitempty,max=100"`
}

// SubmitResponse is returned by POST /api/jobs
type SubmitResponse struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// RetryResponse is returned by POST /api/jobs/:jobId/retry
type RetryResponse struct {
	NewJobID string    `json:"new_job_id"`
	Status   JobStatus `json:"status"`
}
