// Package ingest receives external syslog traffic and turns it into events
// for the ingestion cycle.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/1sec-project/siem/internal/core"
	"github.com/rs/zerolog"
)

const maxRawLog = 2048

// SyslogListener listens for syslog messages (RFC 5424 / RFC 3164) over UDP
// and/or TCP, converts them into events and queues them until the next cycle
// drains the queue. It implements core.SupplementalProducer.
type SyslogListener struct {
	cfg    core.SyslogConfig
	logger zerolog.Logger
	clock  core.Clock
	queue  chan core.Event
	dedup  *core.EventDedup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	udpConn *net.UDPConn
	tcpLn   net.Listener
	wg      sync.WaitGroup
}

// NewSyslogListener creates a listener. It does not bind until Start.
func NewSyslogListener(cfg core.SyslogConfig, logger zerolog.Logger, clock core.Clock) *SyslogListener {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	s := &SyslogListener{
		cfg:    cfg,
		logger: logger.With().Str("component", "syslog_ingest").Logger(),
		clock:  clock,
		queue:  make(chan core.Event, cfg.QueueSize),
	}
	if cfg.DedupWindow > 0 {
		s.dedup = core.NewEventDedup(cfg.DedupWindow, cfg.QueueSize*10, clock)
	}
	return s
}

func (s *SyslogListener) Name() string { return "syslog" }

func (s *SyslogListener) String() string { return "syslog-listener" }

// Start binds the configured listeners.
func (s *SyslogListener) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return errors.New("syslog listener already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	proto := strings.ToLower(s.cfg.Protocol)
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))

	if proto == "udp" || proto == "both" {
		if err := s.startUDP(addr); err != nil {
			s.closeLocked()
			return fmt.Errorf("starting syslog UDP listener: %w", err)
		}
	}
	if proto == "tcp" || proto == "both" {
		if err := s.startTCP(addr); err != nil {
			s.closeLocked()
			return fmt.Errorf("starting syslog TCP listener: %w", err)
		}
	}

	s.logger.Info().Str("addr", addr).Str("protocol", proto).Msg("syslog ingestion started")
	return nil
}

// Stop closes the listeners and waits for the reader goroutines. Queued
// events stay available to Drain.
func (s *SyslogListener) Stop() error {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("syslog ingestion stopped")
	return nil
}

func (s *SyslogListener) closeLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
		s.udpConn = nil
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
		s.tcpLn = nil
	}
	s.ctx, s.cancel = nil, nil
}

// Serve runs the listener until ctx is done.
func (s *SyslogListener) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// UDPAddr returns the bound UDP address, or nil.
func (s *SyslogListener) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *SyslogListener) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// Drain returns every event queued since the previous call.
func (s *SyslogListener) Drain(ctx context.Context) ([]core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var events []core.Event
	for {
		select {
		case ev := <-s.queue:
			events = append(events, ev)
		default:
			return events, nil
		}
	}
}

// Pending returns the number of queued events.
func (s *SyslogListener) Pending() int {
	return len(s.queue)
}

func (s *SyslogListener) startUDP(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on UDP %s: %w", addr, err)
	}
	s.udpConn = conn
	ctx := s.ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 65536)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
			relay := ""
			if remote != nil {
				relay = remote.IP.String()
			}
			s.handle(string(buf[:n]), relay)
		}
	}()

	s.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("syslog UDP listener started")
	return nil
}

func (s *SyslogListener) startTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on TCP %s: %w", addr, err)
	}
	s.tcpLn = ln
	ctx := s.ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("TCP accept error")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleTCPConn(ctx, conn)
			}()
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("syslog TCP listener started")
	return nil
}

func (s *SyslogListener) handleTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	// unblock the scanner on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	relay := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		relay = addr.IP.String()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 65536), 65536)
	for scanner.Scan() {
		s.handle(scanner.Text(), relay)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("remote", relay).Msg("TCP connection read error")
	}
}

func (s *SyslogListener) handle(raw, relay string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	ev := BuildEvent(raw, relay, s.clock.Now())
	if s.dedup != nil && s.dedup.IsDuplicate(&ev) {
		core.SyslogMessages.WithLabelValues("duplicate").Inc()
		return
	}
	select {
	case s.queue <- ev:
		core.SyslogMessages.WithLabelValues("queued").Inc()
	default:
		core.SyslogMessages.WithLabelValues("dropped").Inc()
		s.logger.Warn().Str("raw", truncate(raw, 200)).Msg("syslog queue full, dropping message")
	}
}

// BuildEvent converts one raw syslog line into an event received at now. relay
// is the sending address, replaced by any source address found in the line.
func BuildEvent(raw, relay string, now time.Time) core.Event {
	parsed := parseSyslog(raw, now)
	if parsed == nil {
		parsed = &syslogMessage{
			Severity: 6, // informational
			Facility: 1, // user
			Message:  strings.TrimSpace(raw),
		}
	}

	eventType, sev := classifySyslogEvent(parsed)
	ts := now
	if parsed.Timestamp != nil && !parsed.Timestamp.After(now) {
		ts = *parsed.Timestamp
	}

	ev := core.Event{
		Timestamp:     core.EpochSeconds(ts),
		SourceIP:      relay,
		EventType:     eventType,
		Severity:      sev,
		SeverityScore: sev.Band().Min,
		RawLog:        truncate(raw, maxRawLog),
		Message:       parsed.Message,
		Mitre:         core.MitreForEvent(eventType),
	}
	enrichEvent(&ev, parsed)
	ev.Flagged = core.IsThreatIntelIP(ev.SourceIP)
	return ev
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
