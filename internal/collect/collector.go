// Package collect tails local log files and queues their lines as events for
// the ingestion cycle.
package collect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/1sec-project/siem/internal/core"
	"github.com/1sec-project/siem/internal/ingest"
	"github.com/rs/zerolog"
)

// localRelay is the relay address of lines read from local files.
const localRelay = "127.0.0.1"

const maxRawLog = 2048

// errRotated reports that the followed file was truncated or replaced.
var errRotated = errors.New("log file rotated")

// parser converts one line into an event. ok=false skips the line.
type parser func(line string, now time.Time) (ev core.Event, ok bool)

var parsers = map[string]parser{
	"syslog": func(line string, now time.Time) (core.Event, bool) {
		return ingest.BuildEvent(line, localRelay, now), true
	},
	"json":  parseJSONLine,
	"nginx": parseNginxLine,
}

// SourceStatus describes one tailed file.
type SourceStatus struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Open   bool   `json:"open"`
	Lines  int64  `json:"lines"`
}

// Tailer follows the configured files and queues an event per recognised
// line until the next cycle drains the queue. It implements
// core.SupplementalProducer and suture.Service.
type Tailer struct {
	cfg    core.CollectConfig
	logger zerolog.Logger
	clock  core.Clock
	queue  chan core.Event
	dedup  *core.EventDedup

	mu     sync.Mutex
	status map[string]*SourceStatus
}

// NewTailer creates a tailer. Nothing is read until Serve runs.
func NewTailer(cfg core.CollectConfig, logger zerolog.Logger, clock core.Clock) *Tailer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	t := &Tailer{
		cfg:    cfg,
		logger: logger.With().Str("component", "file_collector").Logger(),
		clock:  clock,
		queue:  make(chan core.Event, cfg.QueueSize),
		status: make(map[string]*SourceStatus, len(cfg.Sources)),
	}
	if cfg.DedupWindow > 0 {
		t.dedup = core.NewEventDedup(cfg.DedupWindow, cfg.QueueSize*10, clock)
	}
	for i := range cfg.Sources {
		src := &t.cfg.Sources[i]
		src.Format = strings.ToLower(src.Format)
		if src.Format == "" {
			src.Format = "syslog"
		}
		t.status[src.Path] = &SourceStatus{Path: src.Path, Format: src.Format}
	}
	return t
}

func (t *Tailer) Name() string { return "files" }

func (t *Tailer) String() string { return "file-collector" }

// Serve follows every source until ctx is done.
func (t *Tailer) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, src := range t.cfg.Sources {
		p, ok := parsers[src.Format]
		if !ok {
			t.logger.Warn().Str("format", src.Format).Str("path", src.Path).Msg("unknown collector format, skipping")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.follow(ctx, src, p)
		}()
	}
	t.logger.Info().Int("sources", len(t.cfg.Sources)).Msg("file collection started")
	wg.Wait()
	t.logger.Info().Msg("file collection stopped")
	return ctx.Err()
}

// Drain returns every event queued since the previous call.
func (t *Tailer) Drain(ctx context.Context) ([]core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []core.Event
	for {
		select {
		case ev := <-t.queue:
			events = append(events, ev)
		default:
			return events, nil
		}
	}
}

// Pending returns the number of queued events.
func (t *Tailer) Pending() int { return len(t.queue) }

// Status returns a snapshot of every source.
func (t *Tailer) Status() []SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SourceStatus, 0, len(t.cfg.Sources))
	for _, src := range t.cfg.Sources {
		out = append(out, *t.status[src.Path])
	}
	return out
}

func (t *Tailer) setOpen(path string, open bool) {
	t.mu.Lock()
	t.status[path].Open = open
	t.mu.Unlock()
}

// follow opens the file, waiting for it to appear, and reopens it from the
// start after each rotation.
func (t *Tailer) follow(ctx context.Context, src core.FileSource, p parser) {
	log := t.logger.With().Str("path", src.Path).Logger()
	fromStart := t.cfg.FromStart
	warned := false

	for ctx.Err() == nil {
		f, err := os.Open(src.Path)
		if err != nil {
			if !warned {
				log.Warn().Err(err).Msg("log file not readable, waiting for it")
				warned = true
			}
			if !sleep(ctx, t.cfg.PollInterval) {
				return
			}
			fromStart = true
			continue
		}
		warned = false

		if !fromStart {
			if _, err := f.Seek(0, io.SeekEnd); err != nil {
				log.Error().Err(err).Msg("seeking to end of log file")
				f.Close()
				return
			}
		}
		t.setOpen(src.Path, true)
		err = t.tail(ctx, f, src, p)
		f.Close()
		t.setOpen(src.Path, false)

		if errors.Is(err, errRotated) {
			log.Info().Msg("log rotation detected, reopening")
			fromStart = true
			continue
		}
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("read error")
			if !sleep(ctx, time.Second) {
				return
			}
		}
	}
}

// tail reads complete lines from f until ctx is done or the file rotates.
// A trailing partial line is held until its newline arrives.
func (t *Tailer) tail(ctx context.Context, f *os.File, src core.FileSource, p parser) error {
	reader := bufio.NewReader(f)
	var partial strings.Builder
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("reading offset: %w", err)
	}

	for {
		chunk, err := reader.ReadString('\n')
		offset += int64(len(chunk))
		partial.WriteString(chunk)

		switch {
		case err == nil:
			t.handle(strings.TrimRight(partial.String(), "\r\n"), src, p)
			partial.Reset()
		case errors.Is(err, io.EOF):
			if rotated(f, src.Path, offset) {
				return errRotated
			}
			if !sleep(ctx, t.cfg.PollInterval) {
				return ctx.Err()
			}
		default:
			return err
		}
	}
}

// rotated reports whether path no longer names f, or f shrank below offset.
func rotated(f *os.File, path string, offset int64) bool {
	cur, err := os.Stat(path)
	if err != nil {
		return false
	}
	open, err := f.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(cur, open) || cur.Size() < offset
}

func (t *Tailer) handle(line string, src core.FileSource, p parser) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.mu.Lock()
	t.status[src.Path].Lines++
	t.mu.Unlock()

	ev, ok := p(line, t.clock.Now())
	if !ok {
		core.FileLines.WithLabelValues(src.Format, "skipped").Inc()
		return
	}
	if t.dedup != nil && t.dedup.IsDuplicate(&ev) {
		core.FileLines.WithLabelValues(src.Format, "duplicate").Inc()
		return
	}
	select {
	case t.queue <- ev:
		core.FileLines.WithLabelValues(src.Format, "queued").Inc()
	default:
		core.FileLines.WithLabelValues(src.Format, "dropped").Inc()
		t.logger.Warn().Str("path", src.Path).Msg("collector queue full, dropping line")
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(s string) string {
	if len(s) <= maxRawLog {
		return s
	}
	return s[:maxRawLog] + "..."
}

// finishEvent fills the derived fields every parser shares.
func finishEvent(ev *core.Event) {
	if sev, ok := core.EventSeverity[ev.EventType]; ok {
		ev.Severity = sev
	}
	if ev.Severity == core.SeverityUnknown {
		ev.Severity = core.SeverityLow
	}
	if !ev.Severity.ScoreInBand(ev.SeverityScore) {
		ev.SeverityScore = ev.Severity.Band().Min
	}
	if ev.Mitre == nil {
		ev.Mitre = core.MitreForEvent(ev.EventType)
	}
	ev.Flagged = core.IsThreatIntelIP(ev.SourceIP)
}
