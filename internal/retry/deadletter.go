package retry

import "context"

// DeadLetter describes a message that a consumer gave up on.
type DeadLetter struct {
	Consumer string
	Topic    string
	Key      string
	Kind     string
	EventID  string
	Payload  []byte
	Error    string
	Attempts int
}

// DeadLetterSink stores dead letters for manual inspection. Nothing acts on
// them automatically.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}
