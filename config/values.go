package config

import "time"

const (
	// DefaultServerPort is the default port for the POSM HTTP server.
	DefaultServerPort = 2243

	// DefaultCheckpointDB is the destination database holding job checkpoints.
	DefaultCheckpointDB = "posm"
	// CheckpointCollection is the collection holding job checkpoints.
	CheckpointCollection = "checkpoints"

	// DefaultCopyBatchSize is the number of documents per copy bulk write.
	DefaultCopyBatchSize = 200
	// MaxCopyBatchSize caps the copy bulk write size.
	MaxCopyBatchSize = 100_000

	// DefaultHeartbeatInterval is how often an idle tailer touches its checkpoint.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultTailMaxAwaitTime is the server-side wait for new oplog entries.
	DefaultTailMaxAwaitTime = time.Second

	// DefaultMongoDBOperationTimeout is the default timeout for connect,
	// ping and checkpoint operations.
	DefaultMongoDBOperationTimeout = 5 * time.Minute
	// DisconnectTimeout is the timeout for disconnecting a MongoDB client.
	DisconnectTimeout = 5 * time.Second
)
