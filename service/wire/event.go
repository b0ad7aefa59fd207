package wire

import (
	"time"

	"chatgate/tools/decode"
	"chatgate/tools/errs"
)

// 推送事件类型（闭集）
const (
	EventPrivateMessage = "private_message"
	EventGroupMessage   = "group_message"
	EventGroupCreated   = "group_created"
	EventGroupJoined    = "group_joined"
	EventAudio          = "audio"
	EventGroupAudio     = "group_audio"
	EventSystemMessage  = "system_message"
	EventIncomingCall   = "incoming_call"
	EventCallAccepted   = "call_accepted"
)

var eventTypes = map[string]struct{}{
	EventPrivateMessage: {},
	EventGroupMessage:   {},
	EventGroupCreated:   {},
	EventGroupJoined:    {},
	EventAudio:          {},
	EventGroupAudio:     {},
	EventSystemMessage:  {},
	EventIncomingCall:   {},
	EventCallAccepted:   {},
}

// Types the backend only ever sends unprompted; they never answer a request.
var neverReply = map[string]struct{}{
	EventSystemMessage: {},
	EventIncomingCall:  {},
	EventCallAccepted:  {},
}

func IsEventType(t string) bool {
	_, ok := eventTypes[t]
	return ok
}

// NeverReply reports whether records of type t bypass correlation.
func NeverReply(t string) bool {
	_, ok := neverReply[t]
	return ok
}

// Event is a push record. Text fields stay wire-escaped until Unescaped is
// called on the way out of the gateway.
type Event struct {
	Type      string            `json:"type"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Group     string            `json:"group,omitempty"`
	GroupName string            `json:"group_name,omitempty"`
	Creator   string            `json:"creator,omitempty"`
	Members   []string          `json:"members,omitempty"`
	Content   string            `json:"content,omitempty"`
	AudioID   string            `json:"audio_id,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

var addressingKeys = map[string]struct{}{
	"from": {}, "to": {}, "group": {}, "group_name": {}, "creator": {},
	"members": {}, "content": {}, "audio_id": {}, "timestamp": {},
}

// EventFromRecord validates rec against the closed event set and extracts
// its addressing fields.
func EventFromRecord(rec Record) (Event, error) {
	if !IsEventType(rec.Type) {
		return Event{}, errs.ErrMalformed.WrapMsg("unknown event type", "type", rec.Type)
	}
	fields := rec.Map()
	ev, err := decode.DecodeFields[Event](fields)
	if err != nil {
		return Event{}, errs.ErrMalformed.WrapMsg(err.Error(), "type", rec.Type)
	}
	ev.Type = rec.Type
	for k, v := range fields {
		if _, ok := addressingKeys[k]; ok {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = make(map[string]string)
		}
		ev.Extra[k] = v
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return *ev, nil
}

// Validate checks the addressing fields each event type requires.
func (e Event) Validate() error {
	missing := func(name string) error {
		return errs.ErrMalformed.WrapMsg("event missing field", "type", e.Type, "field", name)
	}
	switch e.Type {
	case EventPrivateMessage:
		if e.From == "" {
			return missing("from")
		}
	case EventGroupMessage:
		if e.From == "" {
			return missing("from")
		}
		if e.Group == "" {
			return missing("group")
		}
	case EventGroupCreated, EventGroupJoined:
		if e.GroupName == "" {
			return missing("group_name")
		}
	case EventAudio:
		if e.From == "" {
			return missing("from")
		}
		if e.AudioID == "" {
			return missing("audio_id")
		}
	case EventGroupAudio:
		if e.Group == "" {
			return missing("group")
		}
		if e.AudioID == "" {
			return missing("audio_id")
		}
	case EventSystemMessage:
	case EventIncomingCall, EventCallAccepted:
		if e.From == "" {
			return missing("from")
		}
	default:
		return errs.ErrMalformed.WrapMsg("unknown event type", "type", e.Type)
	}
	return nil
}

// TargetGroup is the group an event is addressed to, if any.
func (e Event) TargetGroup() string {
	switch e.Type {
	case EventGroupMessage, EventGroupAudio:
		return e.Group
	case EventGroupCreated:
		return e.GroupName
	}
	return ""
}

// Unescaped returns a copy with free-text fields unescaped.
func (e Event) Unescaped() Event {
	out := e
	out.Content = Unescape(e.Content)
	out.From = Unescape(e.From)
	out.To = Unescape(e.To)
	out.Group = Unescape(e.Group)
	out.GroupName = Unescape(e.GroupName)
	out.Creator = Unescape(e.Creator)
	if len(e.Members) > 0 {
		out.Members = make([]string, len(e.Members))
		for i, m := range e.Members {
			out.Members[i] = Unescape(m)
		}
	}
	if len(e.Extra) > 0 {
		out.Extra = make(map[string]string, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = Unescape(v)
		}
	}
	return out
}
