package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

const (
	DeadLetterEventType = "dead_letter"

	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a message that must not be retried.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is what lands on the dead letter topic, for both consumed
// messages that could not be handled and events that could not be published.
type DeadLetter struct {
	Envelope
	Stage         string `json:"stage"`
	OriginalTopic string `json:"original_topic"`
	Partition     *int32 `json:"partition,omitempty"`
	Offset        *int64 `json:"offset,omitempty"`
	Key           string `json:"key,omitempty"`
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	Payload       string `json:"payload_base64"`
}

func newDeadLetter(stage, topic, key string, raw []byte, cause error, reason string, attempts int) DeadLetter {
	env, _ := NewEnvelope(DeadLetterEventType, 1, correlationOf(raw))
	dl := DeadLetter{
		Envelope:      env,
		Stage:         stage,
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
	}
	if len(raw) > 0 {
		dl.Payload = base64.StdEncoding.EncodeToString(raw)
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	return dl
}

// correlationOf lifts correlation_id out of a JSON envelope so dead letters stay traceable.
func correlationOf(raw []byte) string {
	var head struct {
		CorrelationID string `json:"correlation_id"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &head) != nil {
		return ""
	}
	return head.CorrelationID
}

func ConsumedDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DeadLetter {
	var (
		cause  error
		reason string
	)
	if err != nil {
		cause, reason = err.Err, err.Reason
		if cause == nil {
			cause = err
		}
	}
	dl := newDeadLetter(StageConsume, msg.Topic, string(msg.Key), msg.Value, cause, reason, attempts)
	partition, offset := msg.Partition, msg.Offset
	dl.Partition, dl.Offset = &partition, &offset
	return dl
}

func PublishedDeadLetter(topic, key string, value any, err error, reason string) DeadLetter {
	var raw []byte
	if value != nil {
		var marshalErr error
		if raw, marshalErr = json.Marshal(value); marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
	}
	return newDeadLetter(StagePublish, topic, key, raw, err, reason, 1)
}
