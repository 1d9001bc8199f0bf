package model

import "time"

// Shared defaults used by both the daemon and CLI binaries.
const (
	// SnapshotFilename is the single file stored in every snapshot.
	SnapshotFilename = "snapsync_backup.json"
	// CreateDescription is the description given to a newly created snapshot.
	CreateDescription = "snapsync backup"
	// UpdateDescription is sent with every update of an existing snapshot.
	UpdateDescription = "Updated by snapsync"

	// FallbackInterval is used when the configured interval is blank or unknown.
	FallbackInterval = time.Hour
	DefaultInterval  = "daily"
)
