package quotesync

import (
	"time"
)

type Source struct {
	ID       string  `json:"id"`
	UserID   string  `json:"userId,omitempty"`
	Title    string  `json:"title"`
	Subtitle string  `json:"subtitle,omitempty"`
	Author   string  `json:"author,omitempty"`
	Origin   string  `json:"origin,omitempty"`
	ImageURL string  `json:"imageUrl,omitempty"`
	Ignored  bool    `json:"ignored,omitempty"`
	Quotes   []Quote `json:"quotes,omitempty"`
}

type Quote struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId,omitempty"`
	Content  string `json:"content"`
	Location string `json:"location,omitempty"`
	Color    string `json:"color,omitempty"`

	// Note is at-rest ciphertext when a note key is configured.
	Note string `json:"note,omitempty"`
}

type Snapshot struct {
	UserID  string   `json:"userId"`
	Sources []Source `json:"sources"`
}

// Active returns the non-ignored sources in stored order.
func (s Snapshot) Active() []Source {
	out := make([]Source, 0, len(s.Sources))
	for _, source := range s.Sources {
		if source.Ignored {
			continue
		}
		out = append(out, source)
	}
	return out
}

// Connection is the per-user remote connection descriptor.
type Connection struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"-"`

	// ParentPageID is the page shared with the integration; new containers are created under it.
	ParentPageID string `json:"parentPageId,omitempty"`

	// ContainerID is the Notion database holding the user's documents; empty until provisioned.
	ContainerID     string `json:"containerId,omitempty"`
	ContainerPageID string `json:"containerPageId,omitempty"`

	// CreateNewContainer requests a fresh container on the next sync. Only set by explicit user action.
	CreateNewContainer bool `json:"createNewContainer,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type JobStatus string

const (
	JobReady     JobStatus = "READY"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

type SyncJob struct {
	ID              string    `json:"id"`
	Shard           int       `json:"shard"`
	UserID          string    `json:"userId"`
	SourceID        string    `json:"sourceId"`
	Status          JobStatus `json:"status"`
	IsNewConnection bool      `json:"isNewConnection"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
