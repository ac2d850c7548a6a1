package msg

// Record is a consumed Kafka record, decoupled from the client library.
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
	Timestamp int64
}
