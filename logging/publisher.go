// Package logging routes structured lockstep events to pluggable sinks. Components publish
// through the Publisher interface; the Router stamps, filters and fans events out without
// blocking the publisher.
package logging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type EventType string

// Severity orders events. The router discards events below its configured floor.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

var severityNames = [...]string{"debug", "info", "warn", "error"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "severity(" + strconv.Itoa(int(s)) + ")"
	}
	return severityNames[s]
}

// ParseSeverity accepts the lower-case names produced by String.
func ParseSeverity(text string) (Severity, error) {
	for i, name := range severityNames {
		if strings.EqualFold(text, name) {
			return Severity(i), nil
		}
	}
	return SeverityDebug, fmt.Errorf("unknown severity %q", text)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type EntityKind string

const (
	EntityKindPeer    EntityKind = "peer"
	EntityKindMaster  EntityKind = "master"
	EntityKindModule  EntityKind = "module"
	EntityKindSession EntityKind = "session"
)

// EntityRef names the subject or object of an event.
type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

// PeerRef identifies a peer by its substrate id.
func PeerRef(id uint32) EntityRef {
	return EntityRef{ID: strconv.FormatUint(uint64(id), 10), Kind: EntityKindPeer}
}

// ModuleRef identifies a state module by name.
func ModuleRef(name string) EntityRef {
	return EntityRef{ID: name, Kind: EntityKindModule}
}

// SessionRef identifies a relay session or stored export by name.
func SessionRef(name string) EntityRef {
	return EntityRef{ID: name, Kind: EntityKindSession}
}

const (
	CategoryChannel  = "channel"
	CategoryLockstep = "lockstep"
	CategoryRelay    = "relay"
	CategorySnapshot = "snapshot"
	CategorySystem   = "system"
)

// Event is one structured record. Tick is the simulation tick the event belongs to, zero
// when it is not tied to one.
type Event struct {
	Type     EventType      `json:"type"`
	Tick     uint64         `json:"tick"`
	Time     time.Time      `json:"time"`
	Actor    EntityRef      `json:"actor"`
	Targets  []EntityRef    `json:"targets,omitempty"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	ActionID uint64         `json:"actionId,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Clone copies the slices and maps of e so the copy can be retained.
func (e Event) Clone() Event {
	if len(e.Targets) > 0 {
		e.Targets = append([]EntityRef(nil), e.Targets...)
	}
	if e.Extra != nil {
		extra := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			extra[k] = v
		}
		e.Extra = extra
	}
	return e
}

// withDefaults returns a clone of e carrying every field not already set on it.
func (e Event) withDefaults(fields map[string]any) Event {
	if len(fields) == 0 {
		return e
	}
	e = e.Clone()
	if e.Extra == nil {
		e.Extra = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if _, set := e.Extra[k]; !set {
			e.Extra[k] = v
		}
	}
	return e
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f != nil {
		f(ctx, event)
	}
}

// NopPublisher discards every event.
func NopPublisher() Publisher {
	return PublisherFunc(nil)
}

// WithFields decorates p so every event carries fields unless it sets them itself. Peers
// use it to tag their events with session and peer id.
func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return PublisherFunc(func(ctx context.Context, event Event) {
		p.Publish(ctx, event.withDefaults(copied))
	})
}
