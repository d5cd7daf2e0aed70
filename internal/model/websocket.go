package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is sent while a job is pending or processing
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	Progress int       `json:"progress"`
	Status   JobStatus `json:"status"`
}

// WSCompleteMessage is sent once a job completes
type WSCompleteMessage struct {
	Type            string   `json:"type"`
	JobID           string   `json:"job_id"`
	ResultLocations []string `json:"result_locations"`
}

// WSErrorMessage is sent once a job fails
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"job_id"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
