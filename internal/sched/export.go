package sched

import (
	"context"
	"fmt"

	"lockstep/internal/channel"
	"lockstep/internal/snapshot"
	snaplog "lockstep/logging/snapshot"
)

// Export serializes every exportable module as of the last completed tick.
func (s *Scheduler) Export(name string) (string, error) {
	if !s.initialized {
		return "", ErrNotInitialized
	}
	h := snapshot.Header{Timestamp: s.deps.Clock.Now(), World: s.cfg.WorldName, Name: name}
	text := snapshot.Export(h, s.modules.All())
	exported := 0
	for _, m := range s.modules.All() {
		if m.SupportsImportExport() {
			exported++
		}
	}
	snaplog.Exported(context.Background(), s.deps.Publisher, uint64(s.lastCompleted), s.actor(), snaplog.ExportedPayload{
		Name:    name,
		Modules: exported,
		Bytes:   len(text),
	})
	return text, nil
}

// Import validates text locally and broadcasts it as an action, so every peer applies it
// in the same tick. Invalid text is rejected without sending anything.
func (s *Scheduler) Import(text string) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	raw, err := snapshot.Unwrap(text)
	if err == nil {
		_, err = snapshot.Parse(raw)
	}
	if err != nil {
		s.deps.Logger.Printf("[lockstep] import rejected: %v", err)
		snaplog.ImportRejected(context.Background(), s.deps.Publisher, s.actor(), snaplog.ImportRejectedPayload{Reason: err.Error()})
		return err
	}
	if len(raw) > channel.MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	s.submit(handlerImport, raw)
	return nil
}

func (s *Scheduler) onImport(ctx *Context) Flow {
	snap, err := snapshot.Parse(ctx.Payload)
	if err != nil {
		s.deps.Logger.Printf("[lockstep] tick=%d dropping import from peer=%d: %v", ctx.Tick, ctx.Sender, err)
		return Done
	}
	report := snap.Apply(s.modules, true)
	tick := uint64(ctx.Tick)
	for _, sk := range report.Skipped {
		snaplog.ModuleSkipped(context.Background(), s.deps.Publisher, tick, snaplog.ModulePayload{
			Module:  sk.Module,
			Version: sk.Version,
			Reason:  string(sk.Reason),
		})
	}
	for _, me := range report.Errors {
		snaplog.ModuleFailed(context.Background(), s.deps.Publisher, tick, snaplog.ModulePayload{
			Module: me.Module,
			Reason: me.Err.Error(),
		})
	}
	msg := fmt.Sprintf("import %q applied: %d modules, %d skipped, %d failed", snap.Name, len(report.Applied), len(report.Skipped), len(report.Errors))
	s.deps.Logger.Printf("[lockstep] tick=%d %s", ctx.Tick, msg)
	s.raise(Event{Kind: EventNotification, Tick: ctx.Tick, Peer: ctx.Sender, Action: ctx.ID, Message: msg})
	s.raise(Event{Kind: EventImportFinished, Tick: ctx.Tick, Peer: ctx.Sender, Action: ctx.ID, Import: &report})
	return Done
}
