package http

import (
	"github.com/fyrsmithlabs/archivist/internal/archive"
	"github.com/fyrsmithlabs/archivist/internal/index"
	"github.com/fyrsmithlabs/archivist/internal/store"
)

// JobResponse is a job as exposed on the status boundary. Reason is only
// set for failed jobs.
type JobResponse struct {
	*archive.Job
	Reason *archive.Reason `json:"reason,omitempty"`
}

func jobResponse(j *archive.Job) JobResponse {
	return JobResponse{Job: j, Reason: j.Reason()}
}

// JobListResponse is the body of GET /api/v1/archives.
type JobListResponse struct {
	Jobs   []JobResponse `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ConversationListResponse is the body of GET /api/v1/archives/:id/conversations.
type ConversationListResponse struct {
	Conversations []*store.ConversationRecord `json:"conversations"`
	Limit         int                         `json:"limit"`
	Offset        int                         `json:"offset"`
}

// SearchResponse is the body of GET /api/v1/search. Text searches fill
// Page; vector searches fill Hits.
type SearchResponse struct {
	Mode  string      `json:"mode"`
	Query string      `json:"query"`
	Page  *store.Page `json:"page,omitempty"`
	Hits  []index.Hit `json:"hits,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
	Jobs     map[string]int64  `json:"jobs,omitempty"`
}
