package domain

import "time"

// Sample is a malware sample that has been downloaded to local disk.
type Sample struct {
	Hash         string    `json:"hash"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256"`
	DownloadedAt time.Time `json:"downloaded_at"`
}
