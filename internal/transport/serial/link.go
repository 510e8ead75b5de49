package serial

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/stagebridge/internal/command"
	"github.com/banshee-data/stagebridge/internal/episode"
	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/perception"
	"github.com/banshee-data/stagebridge/internal/transport"
)

// Line commands understood by the simulator side.
const (
	lineVelocity = "V"
	lineReward   = "R"
	lineGoal     = "G"
	lineReset    = "RESET"
)

// LineMux is what a Link needs from a Mux.
type LineMux interface {
	Subscribe(buffer int) (string, <-chan string)
	Unsubscribe(id string)
	SendLine(line string) error
}

// Link decodes frames from a serial line and writes outbound traffic as
// line commands.
type Link struct {
	mux      LineMux
	frames   atomic.Uint64
	rejected atomic.Uint64
}

// NewLink wraps mux. The mux's Monitor must be running for Run to see lines.
func NewLink(mux LineMux) *Link {
	return &Link{mux: mux}
}

// Run hands every JSON frame line to handle until ctx is done or the mux
// closes. Non-JSON lines are simulator chatter and are logged on the trace
// stream.
func (l *Link) Run(ctx context.Context, handle func(perception.SensorFrame)) error {
	id, lines := l.mux.Subscribe(16)
	defer l.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "{") {
				if line != "" {
					monitoring.Tracef("serial: %s", line)
				}
				continue
			}
			frame, err := transport.DecodeFrame([]byte(line))
			if err != nil {
				l.rejected.Add(1)
				monitoring.Diagf("serial: rejected frame: %v", err)
				continue
			}
			l.frames.Add(1)
			handle(frame)
		}
	}
}

// Stats returns decoded and rejected frame counts.
func (l *Link) Stats() (frames, rejected uint64) {
	return l.frames.Load(), l.rejected.Load()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FormatCommand renders a velocity command line.
func FormatCommand(c command.Command) string {
	return lineVelocity + " " + formatFloat(c.Turn) + " " + formatFloat(c.Forward)
}

func (l *Link) PublishCommand(c command.Command) error {
	return l.send(FormatCommand(c))
}

func (l *Link) PublishGoal(ev episode.GoalEvent) error {
	return l.send(lineGoal + " " + formatFloat(ev.Goal.X) + " " + formatFloat(ev.Goal.Y))
}

func (l *Link) PublishReward(ev episode.RewardEvent) error {
	return l.send(lineReward + " " + formatFloat(ev.Value))
}

func (l *Link) ResetWorld(context.Context) error {
	return l.send(lineReset)
}

func (l *Link) send(line string) error {
	if err := l.mux.SendLine(line); err != nil {
		return fmt.Errorf("serial: write %q: %w", line, err)
	}
	return nil
}

// AttachDebugRoutes registers a raw line sender and a live tail under
// /debug/.
func (l *Link) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("serial/send", l.handleSend)
	debug.HandleSilentFunc("serial/tail", l.handleTail)
}

func (l *Link) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	line := strings.TrimSpace(r.FormValue("line"))
	if line == "" {
		http.Error(w, "Missing line", http.StatusBadRequest)
		return
	}
	if err := l.mux.SendLine(line); err != nil {
		http.Error(w, "Failed to write line", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, fmt.Sprintf("Wrote %q to serial port\n", line))
}

func (l *Link) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, lines := l.mux.Subscribe(64)
	defer l.mux.Unsubscribe(id)

	io.WriteString(w, ": ping\n\n")
	flusher.Flush()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
