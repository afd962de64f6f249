package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	alertSendTimeout  = 10 * time.Second
	alertDrainTimeout = 3 * time.Second
)

func (s *Service) alertWorker(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			s.drainAlerts()
			return
		case msg := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
			s.sendAlert(ctx, msg)
			cancel()
		}
	}
}

// drainAlerts delivers whatever is still queued, sharing one deadline.
func (s *Service) drainAlerts() {
	ctx, cancel := context.WithTimeout(context.Background(), alertDrainTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case msg := <-s.queue:
			s.sendAlert(ctx, msg)
		default:
			return
		}
	}
}

func (s *Service) sendAlert(ctx context.Context, msg string) {
	if s.sender == nil {
		return
	}
	if err := s.sender.SendAlert(ctx, msg); err != nil {
		fmt.Fprintf(Stderr(), "logx: alert delivery failed: %v\n", err)
	}
}

func (s *Service) enqueueAlert(msg string) {
	// Never block the caller.
	select {
	case s.queue <- msg:
	default:
	}
}

// alertWriter is a zerolog LevelWriter feeding the alert queue.
type alertWriter struct{ svc *Service }

func (w *alertWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	lim := s.limiter
	minLevel := s.minLevel
	closed := s.closed
	s.mu.Unlock()

	if closed || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatAlert(p); msg != "" {
		s.enqueueAlert(msg)
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as "[LEVEL] message" followed by
// one "- key=value" line per field, sorted by key.
func formatAlert(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
