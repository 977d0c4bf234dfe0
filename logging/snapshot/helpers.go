package snapshot

import (
	"context"

	"lockstep/logging"
)

const (
	// EventExported is emitted after an export string was produced.
	EventExported logging.EventType = "snapshot.exported"
	// EventImportRejected is emitted when an import fails validation.
	EventImportRejected logging.EventType = "snapshot.import_rejected"
	// EventModuleSkipped is emitted per section an import left untouched.
	EventModuleSkipped logging.EventType = "snapshot.module_skipped"
	// EventModuleFailed is emitted when a module's deserialize hook returns an error.
	EventModuleFailed logging.EventType = "snapshot.module_failed"
	// EventStored is emitted when an export is written to a snapshot store.
	EventStored logging.EventType = "snapshot.stored"
	// EventDeleted is emitted when a stored export is removed.
	EventDeleted logging.EventType = "snapshot.deleted"
)

// ExportedPayload summarises an export.
type ExportedPayload struct {
	Name    string `json:"name"`
	Modules int    `json:"modules"`
	Bytes   int    `json:"bytes"`
}

// ImportRejectedPayload carries the validation failure.
type ImportRejectedPayload struct {
	Reason string `json:"reason"`
}

// ModulePayload identifies a section and what happened to it.
type ModulePayload struct {
	Module  string `json:"module"`
	Version uint32 `json:"version"`
	Reason  string `json:"reason"`
}

// Exported publishes an info event for a completed export.
func Exported(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ExportedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventExported,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySnapshot,
		Payload:  payload,
	})
}

// ImportRejected publishes a warning for an import that was refused wholesale.
func ImportRejected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload ImportRejectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventImportRejected,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySnapshot,
		Payload:  payload,
	})
}

// ModuleSkipped publishes a warning for a section outside a module's version range.
func ModuleSkipped(ctx context.Context, pub logging.Publisher, tick uint64, payload ModulePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventModuleSkipped,
		Tick:     tick,
		Actor:    logging.ModuleRef(payload.Module),
		Severity: logging.SeverityWarn,
		Category: logging.CategorySnapshot,
		Payload:  payload,
	})
}

// ModuleFailed publishes an error event for a failing deserialize hook.
func ModuleFailed(ctx context.Context, pub logging.Publisher, tick uint64, payload ModulePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventModuleFailed,
		Tick:     tick,
		Actor:    logging.ModuleRef(payload.Module),
		Severity: logging.SeverityError,
		Category: logging.CategorySnapshot,
		Payload:  payload,
	})
}

// StoredPayload describes a stored export.
type StoredPayload struct {
	Name    string `json:"name"`
	World   string `json:"world,omitempty"`
	Modules int    `json:"modules,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
}

// Stored publishes an info event for a saved export.
func Stored(ctx context.Context, pub logging.Publisher, payload StoredPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStored,
		Actor:    logging.SessionRef(payload.Name),
		Severity: logging.SeverityInfo,
		Category: logging.CategorySnapshot,
		Payload:  payload,
	})
}

// Deleted publishes an info event for a removed export.
func Deleted(ctx context.Context, pub logging.Publisher, payload StoredPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDeleted,
		Actor:    logging.SessionRef(payload.Name),
		Severity: logging.SeverityInfo,
		Category: logging.CategorySnapshot,
		Payload:  payload,
	})
}
