// Package scout defines core types shared across subsystems.
package scout

import (
	"encoding/json"
	"time"
)

// Kind distinguishes the scrape variant a run belongs to.
type Kind string

// Scrape variants persisted on runs and creatives.
const (
	KindCompetitor Kind = "competitor"
	KindSelf       Kind = "self"
)

// Valid reports whether k is a known scrape variant.
func (k Kind) Valid() bool {
	return k == KindCompetitor || k == KindSelf
}

// RunState is the tracker's answer for a run id.
type RunState int

// Run states derived from the persisted row.
const (
	RunStateUnknown RunState = iota
	RunStateInProgress
	RunStateCompleted
)

// String returns the lowercase state name.
func (s RunState) String() string {
	switch s {
	case RunStateInProgress:
		return "in_progress"
	case RunStateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Run identifies one scrape attempt against the external ad library.
type Run struct {
	RunID          string     `json:"run_id"`
	OrganisationID string     `json:"organisation_id"`
	SourceURL      string     `json:"source_url"`
	TargetURL      string     `json:"target_url"`
	Kind           Kind       `json:"kind"`
	ScrapedCount   int        `json:"scraped_count"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Completed reports whether the run has been driven to completion.
func (r Run) Completed() bool {
	return r.CompletedAt != nil
}

// Creative is one scraped ad, upserted on AdArchiveID.
type Creative struct {
	AdArchiveID    string          `json:"ad_archive_id"`
	RunID          string          `json:"run_id"`
	OrganisationID string          `json:"organisation_id"`
	Kind           Kind            `json:"kind"`
	PageID         string          `json:"page_id"`
	PageName       string          `json:"page_name"`
	IsActive       bool            `json:"is_active"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	LinkURL        string          `json:"link_url"`
	ImageURLs      []string        `json:"image_urls"`
	OriginalImages []string        `json:"original_image_urls"`
	VideoHDURLs    []string        `json:"video_hd_urls"`
	VideoSDURLs    []string        `json:"video_sd_urls"`
	StartDate      string          `json:"start_date,omitempty"`
	EndDate        string          `json:"end_date,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Job is the queue payload driving one run to completion.
type Job struct {
	ID             string `json:"id"`
	RunID          string `json:"run_id"`
	OrganisationID string `json:"organisation_id"`
	Kind           Kind   `json:"kind"`
	Attempt        int    `json:"attempt"`
}

// JobIDPrefix prefixes every queue job id.
const JobIDPrefix = "scrape-"

// JobID derives the deterministic queue job id for a run. Submitting the
// same run twice therefore collides on the broker and is ignored.
func JobID(runID string) string {
	return JobIDPrefix + runID
}

// QueueSnapshot is the broker's monitoring view.
type QueueSnapshot struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

// AdItem is one raw result item from the external scraper. Field names
// follow the scraper's wire format.
type AdItem struct {
	AdArchiveID string    `json:"ad_archive_id"`
	AdID        string    `json:"ad_id"`
	IsActive    bool      `json:"is_active"`
	PageID      string    `json:"page_id"`
	PageName    string    `json:"page_name"`
	Snapshot    *Snapshot `json:"snapshot"`

	// Top-level fallbacks used when the snapshot carries no cards.
	ImageURLs   []string `json:"images"`
	VideoHDURLs []string `json:"videos_hd"`
	VideoSDURLs []string `json:"videos_sd"`

	Raw json.RawMessage `json:"-"`
}

// Identifier returns the usable unique id for the item, preferring
// ad_archive_id with ad_id as fallback. Empty means the item is unusable.
func (it AdItem) Identifier() string {
	if it.AdArchiveID != "" {
		return it.AdArchiveID
	}
	return it.AdID
}

// Snapshot is the nested creative substructure of an AdItem.
type Snapshot struct {
	Title   string          `json:"title"`
	Body    Body            `json:"body"`
	LinkURL string          `json:"link_url"`
	Cards   []Card          `json:"cards"`
	Images  []SnapshotImage `json:"images"`
	Videos  []SnapshotVideo `json:"videos"`
	StartAt int64           `json:"start_date"`
	EndAt   int64           `json:"end_date"`
}

// Body wraps the ad copy text.
type Body struct {
	Text string `json:"text"`
}

// Card is one media card inside a snapshot.
type Card struct {
	Title            string `json:"title"`
	Body             string `json:"body"`
	LinkURL          string `json:"link_url"`
	ResizedImageURL  string `json:"resized_image_url"`
	OriginalImageURL string `json:"original_image_url"`
	VideoHDURL       string `json:"video_hd_url"`
	VideoSDURL       string `json:"video_sd_url"`
}

// SnapshotImage is a top-level image entry used when cards are absent.
type SnapshotImage struct {
	ResizedURL  string `json:"resized_image_url"`
	OriginalURL string `json:"original_image_url"`
}

// SnapshotVideo is a top-level video entry used when cards are absent.
type SnapshotVideo struct {
	HDURL string `json:"video_hd_url"`
	SDURL string `json:"video_sd_url"`
}

// CompletionEvent is published when a run finishes.
type CompletionEvent struct {
	EventID        string    `json:"event_id"`
	RunID          string    `json:"run_id"`
	OrganisationID string    `json:"organisation_id"`
	Kind           Kind      `json:"kind"`
	ScrapedCount   int       `json:"scraped_count"`
	CompletedAt    time.Time `json:"completed_at"`
}
