package eventsource

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/activitypipe/internal/runtime/decoder"
	"github.com/drblury/activitypipe/internal/runtime/ids"
	"github.com/drblury/activitypipe/internal/runtime/jsoncodec"
	"github.com/drblury/activitypipe/internal/runtime/provider"
)

// Metadata keys understood on both topics.
const (
	MetadataCommand     = "activitypipe_command"
	MetadataContentType = "activitypipe_content_type"
	MetadataRunID       = "activitypipe_run_id"
)

// Control commands.
const (
	CommandStart    = "start"
	CommandStop     = "stop"
	CommandComplete = "complete"
)

// Event payload content types.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/protobuf"
)

var errUnsupportedContentType = errors.New("unsupported content type")

// Control is a decoded control-topic message.
type Control struct {
	Command       string
	RunID         string
	Configuration provider.Configuration
}

type controlPayload struct {
	RunID     string              `json:"run_id"`
	Providers []provider.Provider `json:"providers"`
}

// NewControlMessage builds a control message. The configuration is only
// encoded for the start command.
func NewControlMessage(command, runID string, cfg provider.Configuration) (*message.Message, error) {
	var payload []byte
	if command == CommandStart {
		var err error
		payload, err = jsoncodec.Marshal(controlPayload{RunID: runID, Providers: cfg.Providers})
		if err != nil {
			return nil, fmt.Errorf("encode provider configuration: %w", err)
		}
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set(MetadataCommand, command)
	msg.Metadata.Set(MetadataRunID, runID)
	msg.Metadata.Set(MetadataContentType, ContentTypeJSON)
	return msg, nil
}

// ParseControl decodes a control message as published by the pipeline.
// Producers use it to learn which sources to enable.
func ParseControl(msg *message.Message) (Control, error) {
	c := Control{
		Command: msg.Metadata.Get(MetadataCommand),
		RunID:   msg.Metadata.Get(MetadataRunID),
	}
	if c.Command == "" {
		return Control{}, errors.New("control message without command")
	}
	if c.Command != CommandStart {
		return c, nil
	}
	var payload controlPayload
	if err := jsoncodec.Unmarshal(msg.Payload, &payload); err != nil {
		return Control{}, fmt.Errorf("decode provider configuration: %w", err)
	}
	c.Configuration = provider.Configuration{Providers: payload.Providers}
	return c, nil
}

// EncodeJSONEvent wraps ev in a message with a JSON payload.
func EncodeJSONEvent(ev decoder.RawEvent) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(ev)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set(MetadataContentType, ContentTypeJSON)
	return msg, nil
}

// EncodeProtoEvent wraps ev in a message whose payload is a protobuf Struct
// with "name" and "payload" fields.
func EncodeProtoEvent(ev decoder.RawEvent) (*message.Message, error) {
	s, err := structpb.NewStruct(map[string]any{
		"name":    ev.Name,
		"payload": structValues(ev.Payload),
	})
	if err != nil {
		return nil, err
	}
	payload, err := proto.Marshal(s)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set(MetadataContentType, ContentTypeProtobuf)
	return msg, nil
}

// CompleteMessage tells the pipeline that the producer has finished.
func CompleteMessage(runID string) *message.Message {
	msg := message.NewMessage(ids.CreateULID(), nil)
	msg.Metadata.Set(MetadataCommand, CommandComplete)
	msg.Metadata.Set(MetadataRunID, runID)
	return msg
}

// DecodeEvent converts a message payload into a raw event according to its
// content type. Messages without a content type are treated as JSON.
func DecodeEvent(msg *message.Message) (decoder.RawEvent, error) {
	switch ct := msg.Metadata.Get(MetadataContentType); ct {
	case "", ContentTypeJSON:
		return decodeJSON(msg.Payload)
	case ContentTypeProtobuf:
		return decodeProto(msg.Payload)
	default:
		return decoder.RawEvent{}, fmt.Errorf("%w %q", errUnsupportedContentType, ct)
	}
}

func decodeJSON(data []byte) (decoder.RawEvent, error) {
	var ev decoder.RawEvent
	if err := jsoncodec.UnmarshalUseNumber(data, &ev); err != nil {
		return decoder.RawEvent{}, err
	}
	if ev.Name == "" {
		return decoder.RawEvent{}, errors.New("event name is missing")
	}
	ev.Payload = normalize(ev.Payload).([]any)
	return ev, nil
}

func decodeProto(data []byte) (decoder.RawEvent, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return decoder.RawEvent{}, err
	}
	name := s.GetFields()["name"].GetStringValue()
	if name == "" {
		return decoder.RawEvent{}, errors.New("event name is missing")
	}
	payload := s.GetFields()["payload"].GetListValue().AsSlice()
	if payload == nil {
		payload = []any{}
	}
	return decoder.RawEvent{Name: name, Payload: normalize(payload).([]any)}, nil
}

// normalize renders numbers as their decimal text. Diagnostic payload values
// are textual, and tick counts do not fit a float64.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// structValues converts arguments into values structpb accepts.
func structValues(payload []any) []any {
	out := make([]any, len(payload))
	for i, v := range payload {
		switch t := v.(type) {
		case []decoder.Argument:
			args := make([]any, len(t))
			for j, arg := range t {
				args[j] = map[string]any{"Key": arg.Key, "Value": arg.Value}
			}
			out[i] = args
		case []map[string]any:
			args := make([]any, len(t))
			for j, arg := range t {
				args[j] = arg
			}
			out[i] = args
		default:
			out[i] = v
		}
	}
	return out
}
