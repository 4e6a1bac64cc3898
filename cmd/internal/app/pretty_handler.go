package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultLogWidth = 100
	minLogWidth     = 40
)

type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	segments := make([]string, 0, 8+r.NumAttrs())

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	segments = append(segments,
		"ts="+applyDim(ts.Format("15:04:05.000"), h.color),
		"lvl="+levelTag(r.Level, h.color),
		"msg="+applyBold(r.Message, h.color),
	)

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segments = append(segments, "src="+applyDim(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	for _, a := range h.attrs {
		segments = h.appendAttr(segments, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		segments = h.appendAttr(segments, a, "")
		return true
	})

	lines := wrapSegments(segments, " ", h.terminalWidth(), "  ")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, strings.Join(lines, "\n")+"\n")
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(segments []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segments
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segments
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segments = h.appendAttr(segments, ga, fullKey)
		}
		return segments
	}

	return append(segments, remapPrettyKey(fullKey)+"="+h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	trimmedKey := strings.TrimSpace(key)

	switch trimmedKey {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		path := strings.TrimSpace(v.String())
		if h.color {
			return ansiCyan + path + ansiReset
		}
		return path
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class", "class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}

	plain := valueToString(v)
	return quoteIfNeeded(plain)
}

// terminalWidth resolves the wrap width for pretty output.
// Priority: ROBOT_LOG_WIDTH, then COLUMNS, then a fixed default.
// Suspiciously narrow values are ignored rather than producing one-word lines.
func (h *prettyHandler) terminalWidth() int {
	if w, ok := parseWidth(os.Getenv("ROBOT_LOG_WIDTH")); ok {
		return w
	}
	if w, ok := parseWidth(os.Getenv("COLUMNS")); ok {
		return w
	}
	return defaultLogWidth
}

func parseWidth(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minLogWidth {
		return 0, false
	}
	return n, true
}

// wrapSegments packs segments into lines of at most width visual columns.
// Segments are joined with sep; continuation lines start with contPrefix.
// A single segment wider than a whole line is truncated with an ellipsis.
func wrapSegments(segments []string, sep string, width int, contPrefix string) []string {
	var lines []string
	cur := ""

	flush := func() {
		if cur != "" {
			lines = append(lines, cur)
			cur = ""
		}
	}

	for _, seg := range segments {
		if cur == "" {
			prefix := ""
			if len(lines) > 0 {
				prefix = contPrefix
			}
			cur = prefix + truncateVisual(seg, width-visualLen(prefix))
			continue
		}

		if visualLen(cur)+visualLen(sep)+visualLen(seg) <= width {
			cur += sep + seg
			continue
		}

		flush()
		cur = contPrefix + truncateVisual(seg, width-visualLen(contPrefix))
	}
	flush()

	return lines
}

// truncateVisual shortens s to at most max visual columns, marking the cut
// with an ellipsis. ANSI styling is dropped from truncated segments.
func truncateVisual(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if visualLen(s) <= max {
		return s
	}
	plain := []rune(stripANSI(s))
	if max == 1 {
		return "…"
	}
	return string(plain[:max-1]) + "…"
}

func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// stripANSI removes CSI escape sequences (ESC '[' ... final byte).
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		if color {
			return ansiRed + "[ERROR]" + ansiReset
		}
		return "[ERROR]"
	case level >= slog.LevelWarn:
		if color {
			return ansiYellow + "[WARN]" + ansiReset
		}
		return "[WARN]"
	case level < slog.LevelInfo:
		if color {
			return ansiMagenta + "[DEBUG]" + ansiReset
		}
		return "[DEBUG]"
	default:
		if color {
			return ansiBlue + "[INFO]" + ansiReset
		}
		return "[INFO]"
	}
}

func applyDim(s string, color bool) string {
	if !color {
		return s
	}
	return ansiDim + s + ansiReset
}

func applyBold(s string, color bool) string {
	if !color {
		return s
	}
	return ansiBright + s + ansiReset
}
