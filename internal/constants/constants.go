package constants

import "time"

const (
	QueuePrimary    = "imaging-primary"
	QueueSecondary  = "imaging-secondary"
	QueueDeadLetter = "imaging-dlq"
)

const (
	DefaultQueryTimeout    = 30 * time.Second
	DefaultTransferTimeout = 600 * time.Second
	DefaultHTTPTimeout     = 30 * time.Second
	ShutdownGrace          = 30 * time.Second
)

const (
	DefaultMaxMessagesInFlight = 10
	DefaultSourceRate          = 5.0
	DefaultSourceBurst         = 5
)

const (
	DefaultStableSeconds     = 60
	DefaultMaxStorageSizeMB  = 51200
	StabilityPollInterval    = 5 * time.Second
	TransferJobPollInterval  = 1 * time.Second
	MissingInstanceMaxRounds = 3
)

const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
)

// Default DICOM organisational root for regenerated UIDs; overridable in
// configuration.
const DefaultUIDRoot = "1.2.826.0.1.3680043.10.1011"

const SaltLengthBytes = 64
