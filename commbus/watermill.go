package commbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultProgressTopic is the topic used when none is given.
const DefaultProgressTopic = "stagegraph.progress"

// Metadata keys set on every forwarded message.
const (
	MetadataRunID  = "run_id"
	MetadataStage  = "stage"
	MetadataStatus = "status"
)

// WatermillSink forwards progress events to a Watermill publisher as JSON
// messages, so any Watermill transport can consume them.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillSink creates a sink. An empty topic selects DefaultProgressTopic.
func NewWatermillSink(pub message.Publisher, topic string) *WatermillSink {
	if topic == "" {
		topic = DefaultProgressTopic
	}
	return &WatermillSink{publisher: pub, topic: topic}
}

// Topic returns the destination topic.
func (s *WatermillSink) Topic() string {
	return s.topic
}

// Observer returns the sink as a bus observer.
func (s *WatermillSink) Observer() Observer {
	return s.forward
}

func (s *WatermillSink) forward(ctx context.Context, event ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	msg := message.NewMessage("progress-"+watermill.NewULID(), payload)
	msg.Metadata.Set(MetadataRunID, event.RunID())
	msg.Metadata.Set(MetadataStage, event.Stage())
	msg.Metadata.Set(MetadataStatus, string(event.Status()))
	msg.SetContext(ctx)

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("publish progress event to %s: %w", s.topic, err)
	}
	return nil
}

// DecodeMessage reads a ProgressEvent back from a forwarded message.
func DecodeMessage(msg *message.Message) (ProgressEvent, error) {
	var event ProgressEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return ProgressEvent{}, fmt.Errorf("decode progress message %s: %w", msg.UUID, err)
	}
	return event, nil
}

// NewInMemoryPubSub creates an in-process Watermill pub/sub suitable for
// local fan-out and tests.
func NewInMemoryPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
}
