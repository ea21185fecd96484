package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/grapevinehq/grapevine/pkg/types"
)

// Logger is the process root. It is usable before Init with default
// settings so packages can log during early startup; Init replaces it
// with the configured sink and level.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the root logger from the observability section of
// the server config. Unknown level names fall back to info rather than
// failing startup. Console rendering is for interactive use; JSON is
// what collectors ingest.
func Init(level string, json bool, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if !json {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a subsystem name.
// Long-lived loops (key refresher, brokers) hold one for their lifetime.
func WithComponent(name string) *zerolog.Logger {
	l := Logger.With().Str("component", name).Logger()
	return &l
}

// WithRoomID returns a child logger scoped to one room. Each room's
// ingress writer logs through this so every admission decision carries
// the room.
func WithRoomID(roomID string) *zerolog.Logger {
	l := Logger.With().Str("room_id", roomID).Logger()
	return &l
}

// WithEvent returns a child logger carrying an event's identity: its
// room, id, type and the room version whose rules judged it. Pipeline
// verdicts (rejections, soft fails, parking) log through this.
func WithEvent(ev *types.Event) *zerolog.Logger {
	ctx := Logger.With().
		Str("room_id", ev.RoomID).
		Str("event_id", ev.EventID).
		Str("type", ev.Type)
	if ev.Version != "" {
		ctx = ctx.Str("room_version", string(ev.Version))
	}
	l := ctx.Logger()
	return &l
}
