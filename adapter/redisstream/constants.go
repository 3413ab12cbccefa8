package redisstream

// Stream entry fields.
const (
	fieldID         = "id"
	fieldName       = "name"       // schema digest
	fieldEnvelope   = "envelope"   // encoded envelope bytes
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"

	// dead-letter entry fields
	fieldOrigStream = "orig_stream"
	fieldOrigID     = "orig_id"
	fieldError      = "error"
)
