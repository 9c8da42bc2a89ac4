package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"outpost/netcode/logging"
)

type Console struct {
	logger *log.Logger
}

func NewConsole(w io.Writer) *Console {
	return &Console{logger: log.New(w, "", log.LstdFlags)}
}

func (s *Console) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	s.logger.Printf("[%s] tick=%d%s%s severity=%s%s",
		event.Type,
		event.Tick,
		formatConn(event.Conn),
		formatIdentity(event.Identity),
		formatSeverity(event.Severity),
		formatPayload(event.Payload),
	)
	return nil
}

func (s *Console) Close(context.Context) error {
	return nil
}

func formatSeverity(sev logging.Severity) string {
	switch sev {
	case logging.SeverityDebug:
		return "debug"
	case logging.SeverityInfo:
		return "info"
	case logging.SeverityWarn:
		return "warn"
	case logging.SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

func formatConn(conn uint64) string {
	if conn == 0 {
		return ""
	}
	return fmt.Sprintf(" conn=%d", conn)
}

func formatIdentity(id uint32) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf(" identity=%d", id)
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(" payload=%v", payload)
	}
	return fmt.Sprintf(" payload=%s", data)
}
