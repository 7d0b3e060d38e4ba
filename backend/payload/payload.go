package payload

// Payload is a serialized value as stored in a step record.
type Payload []byte
