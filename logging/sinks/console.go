// Package sinks holds the logging.Sink implementations the relay and peers enable by name.
package sinks

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"strconv"
	"strings"

	"lockstep/logging"
)

var severityColors = map[logging.Severity]string{
	logging.SeverityWarn:  "\x1b[33m",
	logging.SeverityError: "\x1b[31m",
}

// ConsoleSink prints one line per event:
//
//	warn lockstep.desync tick=42 actor=peer:3 action=0x1f targets=peer:1 {"reason":"..."}
type ConsoleSink struct {
	logger   *log.Logger
	useColor bool
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, "", log.LstdFlags), useColor: cfg.UseColor}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	var b strings.Builder
	s.writeSeverity(&b, event.Severity)
	b.WriteByte(' ')
	b.WriteString(string(event.Type))
	if event.Tick != 0 {
		b.WriteString(" tick=")
		b.WriteString(strconv.FormatUint(event.Tick, 10))
	}
	if ref := entity(event.Actor); ref != "" {
		b.WriteString(" actor=")
		b.WriteString(ref)
	}
	if event.ActionID != 0 {
		b.WriteString(" action=0x")
		b.WriteString(strconv.FormatUint(event.ActionID, 16))
	}
	for i, target := range event.Targets {
		if i == 0 {
			b.WriteString(" targets=")
		} else {
			b.WriteByte(',')
		}
		b.WriteString(entity(target))
	}
	if event.Payload != nil {
		b.WriteByte(' ')
		if data, err := json.Marshal(event.Payload); err == nil {
			b.Write(data)
		} else {
			b.WriteString(err.Error())
		}
	}
	s.logger.Print(b.String())
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func (s *ConsoleSink) writeSeverity(b *strings.Builder, sev logging.Severity) {
	color, ok := severityColors[sev]
	if !s.useColor || !ok {
		b.WriteString(sev.String())
		return
	}
	b.WriteString(color)
	b.WriteString(sev.String())
	b.WriteString("\x1b[0m")
}

func entity(ref logging.EntityRef) string {
	switch {
	case ref.ID == "":
		return string(ref.Kind)
	case ref.Kind == "":
		return ref.ID
	}
	return string(ref.Kind) + ":" + ref.ID
}
