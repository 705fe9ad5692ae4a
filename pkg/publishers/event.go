package publishers

import (
	"time"

	"github.com/Adda-Baaj/malshare/internal/domain"
)

// EventSource tags every event emitted by this tool.
const EventSource = "malshare"

// Event represents the payload published downstream after a sample download.
type Event struct {
	Source       string    `json:"source"`
	Hash         string    `json:"hash"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// NewEvent constructs an Event for a downloaded sample.
func NewEvent(sample domain.Sample) Event {
	at := sample.DownloadedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{
		Source:       EventSource,
		Hash:         sample.Hash,
		Path:         sample.Path,
		Size:         sample.Size,
		SHA256:       sample.SHA256,
		DownloadedAt: at,
	}
}
