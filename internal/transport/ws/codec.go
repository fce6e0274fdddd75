package ws

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"netpulse/pkg/progress"
)

var (
	// ErrMalformed marks an inbound message that cannot be applied.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType marks an envelope type the client does not handle.
	ErrUnknownType = errors.New("unknown message type")
	// ErrUnknownEvent marks a speedtest_update with an unknown event kind.
	ErrUnknownEvent = errors.New("unknown event kind")
)

// Envelope types.
const (
	TypeUpdate     = "speedtest_update"
	TypeConnected  = "connected"
	TypeSubscribed = "subscribed"
	TypePong       = "pong"

	typeSubscribe = "subscribe"
)

// Message is a decoded inbound frame. Event is set only for TypeUpdate.
type Message struct {
	Type  string
	Event progress.Event
}

// Control reports whether m carries no state change.
func (m Message) Control() bool { return m.Type != TypeUpdate }

type envelope struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type subscribeMsg struct {
	Type         string `json:"type"`
	SessionToken string `json:"sessionToken"`
}

// payload is the union of every event's data object. Pointers distinguish
// absent fields from zero values.
type payload struct {
	Stage        *string            `json:"stage"`
	Progress     *float64           `json:"progress"`
	Data         json.RawMessage    `json:"data"`
	Sample       *float64           `json:"sample"`
	CurrentAvg   *float64           `json:"currentAvg"`
	CurrentSpeed *float64           `json:"currentSpeed"`
	Results      *progress.Results  `json:"results"`
	Server       json.RawMessage    `json:"server"`
	Metadata     *progress.Metadata `json:"metadata"`
	Error        *string            `json:"error"`
}

// Decode parses one frame received at at. Errors wrap ErrMalformed,
// ErrUnknownType or ErrUnknownEvent; the returned Message still carries the
// envelope type when it could be read.
func Decode(raw []byte, at time.Time) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{Type: env.Type}
	switch env.Type {
	case TypeConnected, TypeSubscribed, TypePong:
		return msg, nil
	case TypeUpdate:
	case "":
		return msg, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	ev, err := decodeEvent(progress.Kind(env.Event), env.Data)
	if err != nil {
		return msg, err
	}
	ev.At = at
	msg.Event = ev
	return msg, nil
}

func decodeEvent(kind progress.Kind, data json.RawMessage) (progress.Event, error) {
	if !kind.Known() {
		return progress.Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
	var p payload
	if raw := nullToEmpty(data); len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return progress.Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
		}
	}
	missing := func(field string) error {
		return fmt.Errorf("%w: %s: missing %s", ErrMalformed, kind, field)
	}

	switch kind {
	case progress.KindTestStarted:
		return progress.TestStarted(), nil

	case progress.KindStageStarted:
		if p.Stage == nil {
			return progress.Event{}, missing("stage")
		}
		st, ok := progress.ParseStage(*p.Stage)
		if !ok || !st.Active() {
			return progress.Event{}, fmt.Errorf("%w: %s: invalid stage %q", ErrMalformed, kind, *p.Stage)
		}
		return progress.StageStarted(st, p.Progress), nil

	case progress.KindStageCompleted:
		if p.Stage == nil {
			return progress.Event{}, missing("stage")
		}
		if p.Progress == nil {
			return progress.Event{}, missing("progress")
		}
		st, ok := progress.ParseStage(*p.Stage)
		if !ok {
			return progress.Event{}, fmt.Errorf("%w: %s: invalid stage %q", ErrMalformed, kind, *p.Stage)
		}
		return progress.StageCompleted(st, *p.Progress, nullToEmpty(p.Data)), nil

	case progress.KindLatencySample:
		if p.Sample == nil {
			return progress.Event{}, missing("sample")
		}
		if p.CurrentAvg == nil {
			return progress.Event{}, missing("currentAvg")
		}
		return progress.LatencySample(*p.Sample, *p.CurrentAvg), nil

	case progress.KindDownloadProgress, progress.KindUploadProgress:
		if p.CurrentSpeed == nil {
			return progress.Event{}, missing("currentSpeed")
		}
		if kind == progress.KindDownloadProgress {
			return progress.DownloadProgress(*p.CurrentSpeed), nil
		}
		return progress.UploadProgress(*p.CurrentSpeed), nil

	case progress.KindTestCompleted:
		if p.Results == nil {
			return progress.Event{}, missing("results")
		}
		return progress.TestCompleted(p.Results, nullToEmpty(p.Server), p.Metadata), nil

	case progress.KindTestError:
		if p.Error == nil {
			return progress.Event{}, missing("error")
		}
		return progress.TestError(*p.Error), nil
	}
	return progress.Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
}

// DropReason labels a Decode error for metrics.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	default:
		return "malformed"
	}
}

func nullToEmpty(raw json.RawMessage) json.RawMessage {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return t
}
