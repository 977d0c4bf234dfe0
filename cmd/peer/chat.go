package main

import (
	"fmt"

	"lockstep"
	"lockstep/internal/codec"
)

const historyLimit = 64

type line struct {
	Tick   lockstep.Tick
	Sender lockstep.PeerID
	Text   string
}

// chat is the replicated module: every peer appends the same lines in the same ticks.
type chat struct {
	lines []line
}

func (c *chat) Name() string                   { return "chat" }
func (c *chat) DisplayName() string            { return "Chat" }
func (c *chat) Version() uint32                { return 1 }
func (c *chat) LowestSupportedVersion() uint32 { return 1 }
func (c *chat) SupportsImportExport() bool     { return true }

func (c *chat) Serialize(w *codec.Writer, _ bool) {
	w.WriteSmallUint(uint64(len(c.lines)))
	for _, l := range c.lines {
		w.WriteUint64(uint64(l.Tick))
		w.WriteSmallUint(uint64(l.Sender))
		w.WriteString(l.Text)
	}
}

func (c *chat) Deserialize(r *codec.Reader, _ bool, _ uint32) error {
	count := r.ReadSmallUint()
	if count > historyLimit {
		return fmt.Errorf("chat: %d lines exceeds history limit", count)
	}
	lines := make([]line, 0, count)
	for i := uint64(0); i < count; i++ {
		l := line{Tick: lockstep.Tick(r.ReadUint64()), Sender: lockstep.PeerID(r.ReadSmallUint()), Text: r.ReadString()}
		lines = append(lines, l)
	}
	if err := r.Err(); err != nil {
		return err
	}
	c.lines = lines
	return nil
}

func (c *chat) append(l line) {
	c.lines = append(c.lines, l)
	if len(c.lines) > historyLimit {
		c.lines = c.lines[len(c.lines)-historyLimit:]
	}
}

// registerChat installs the say handler. Every executed line is passed to show.
func registerChat(s *lockstep.Scheduler, show func(line)) (lockstep.HandlerID, error) {
	return s.RegisterHandler("chat.say", func(ctx *lockstep.Context) lockstep.Flow {
		m, ok := ctx.Scheduler().Modules().Lookup("chat")
		if !ok {
			return lockstep.Done
		}
		l := line{Tick: ctx.Tick, Sender: ctx.Sender, Text: ctx.Reader().ReadString()}
		m.(*chat).append(l)
		if show != nil {
			show(l)
		}
		return lockstep.Done
	})
}

func encodeSay(text string) []byte {
	var w codec.Writer
	w.WriteString(text)
	return w.Bytes()
}
