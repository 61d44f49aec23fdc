package registry

import "time"

// Requester identifies who asked for a job and where the request came from.
type Requester struct {
	OwnerID   int64
	OwnerName string
	ChannelID int64
	MessageID int64
}

// Job is one tracked download-then-upload transfer. ID is the engine-assigned
// identifier and changes at most once, through Registry.RemapID.
type Job struct {
	ID             string
	OwnerID        int64
	OwnerName      string
	ChannelID      int64
	MessageID      int64
	DestinationDir string
	Archive        bool
	IsDownloading  bool
	IsUploading    bool
	StartedAt      time.Time
}

// MessageRef points at a message previously sent to a channel.
type MessageRef struct {
	ChannelID int64
	ID        string
}

// StatusSlot is the last status message of a channel and the text it shows.
type StatusSlot struct {
	Message    MessageRef
	LastStatus string
}
