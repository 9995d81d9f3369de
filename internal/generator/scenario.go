package generator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/1sec-project/siem/internal/core"
)

// Attack storyline constants.
const (
	AttackerIP = "185.220.101.34"
	TargetIP   = "10.0.1.50"
	TargetUser = "admin"
)

var attackerGeo = geoProfile{"Russia", "Moscow", 55.7558, 37.6173}

// Phase is one stage of the scripted intrusion.
type Phase int

const (
	PhaseRecon Phase = iota
	PhaseBruteForce
	PhaseInitialAccess
	PhasePrivilegeEscalation
	PhasePersistence
	PhaseExfiltration
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseRecon:
		return "recon"
	case PhaseBruteForce:
		return "brute_force"
	case PhaseInitialAccess:
		return "initial_access"
	case PhasePrivilegeEscalation:
		return "privilege_escalation"
	case PhasePersistence:
		return "persistence"
	case PhaseExfiltration:
		return "exfiltration"
	default:
		return "complete"
	}
}

// phaseEnds holds the exclusive end tick of each phase. Each phase starts
// where the previous one ended.
var phaseEnds = [...]int{
	PhaseRecon:               10,
	PhaseBruteForce:          25,
	PhaseInitialAccess:       28,
	PhasePrivilegeEscalation: 32,
	PhasePersistence:         38,
	PhaseExfiltration:        45,
}

func phaseAt(tick int) Phase {
	for p, end := range phaseEnds {
		if tick < end {
			return Phase(p)
		}
	}
	return PhaseComplete
}

// Scenario replays a six-stage intrusion from a single attacker, advancing
// one tick per Drain call. It implements core.SupplementalProducer.
type Scenario struct {
	mu    sync.Mutex
	rng   *rand.Rand
	clock core.Clock
	tick  int
	phase Phase
}

// NewScenario creates a scenario at tick 0.
func NewScenario(rng *rand.Rand, clock core.Clock) *Scenario {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Scenario{rng: rng, clock: clock}
}

func (s *Scenario) Name() string { return "scenario" }

// Phase returns the phase of the most recent tick.
func (s *Scenario) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Completed reports whether every phase has run.
func (s *Scenario) Completed() bool {
	return s.Phase() == PhaseComplete
}

// Drain returns the events of the current tick and advances the scenario.
// Once complete it returns nothing.
func (s *Scenario) Drain(ctx context.Context) ([]core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = phaseAt(s.tick)
	if s.phase == PhaseComplete {
		return nil, nil
	}
	now := core.EpochSeconds(s.clock.Now())

	var events []core.Event
	switch s.phase {
	case PhaseRecon:
		events = s.recon(now)
	case PhaseBruteForce:
		events = s.bruteForce(now)
	case PhaseInitialAccess:
		events = s.initialAccess(now)
	case PhasePrivilegeEscalation:
		events = s.privilegeEscalation(now)
	case PhasePersistence:
		events = s.persistence(now)
	case PhaseExfiltration:
		events = s.exfiltration(now)
	}
	s.tick++
	return events, nil
}

func (s *Scenario) event(now float64, eventType string, sev core.Severity, port int, msg, raw string) core.Event {
	band := sev.Band()
	return core.Event{
		Timestamp:     now - s.rng.Float64(),
		SourceIP:      AttackerIP,
		DestIP:        TargetIP,
		DestPort:      core.IntPtr(port),
		Protocol:      "TCP",
		EventType:     eventType,
		Severity:      sev,
		SeverityScore: band.Min + s.rng.IntN(band.Max-band.Min+1),
		RawLog:        raw,
		Message:       msg,
		Geo:           attackerGeo.geo(),
		Flagged:       true,
	}
}

func (s *Scenario) pid() int { return 1000 + s.rng.IntN(9000) }

func (s *Scenario) prefix(now float64) string {
	return syslogStamp(now) + " " + sensorHost
}

func (s *Scenario) recon(now float64) []core.Event {
	n := 3 + s.rng.IntN(6)
	ports := s.rng.Perm(1023)[:n]
	events := make([]core.Event, 0, n)
	for _, p := range ports {
		port := p + 1
		ev := s.event(now, core.EventPortScan, core.SeverityHigh, port,
			fmt.Sprintf("Port scan from %s -> %s:%d", AttackerIP, TargetIP, port),
			fmt.Sprintf("%s snort[%d]: [1:1000001:1] PORT SCAN detected from %s targeting %s ports %d-%d",
				s.prefix(now), s.pid(), AttackerIP, TargetIP, port, port+50))
		ev.Mitre = core.MitreFor(core.AlertPortScan)
		events = append(events, ev)
	}
	return events
}

func (s *Scenario) bruteForce(now float64) []core.Event {
	users := []string{"root", "admin", "administrator", "deploy", "ubuntu", "test"}
	s.rng.Shuffle(len(users), func(i, j int) { users[i], users[j] = users[j], users[i] })
	n := 2 + s.rng.IntN(3)
	events := make([]core.Event, 0, n)
	for _, user := range users[:n] {
		ev := s.event(now, core.EventAuthFailure, core.SeverityMedium, 22,
			fmt.Sprintf("Failed login attempt for %s from %s", user, AttackerIP),
			fmt.Sprintf("%s sshd[%d]: Failed password for %s from %s port %d TCP",
				s.prefix(now), s.pid(), user, AttackerIP, 40000+s.rng.IntN(20001)))
		ev.Username = core.StrPtr(user)
		ev.Mitre = core.MitreFor(core.AlertBruteForce)
		events = append(events, ev)
	}
	return events
}

func (s *Scenario) initialAccess(now float64) []core.Event {
	ev := s.event(now, core.EventAuthSuccess, core.SeverityHigh, 22,
		fmt.Sprintf("Successful login by %s from %s", TargetUser, AttackerIP),
		fmt.Sprintf("%s sshd[%d]: Accepted password for %s from %s port %d TCP",
			s.prefix(now), s.pid(), TargetUser, AttackerIP, 40000+s.rng.IntN(20001)))
	ev.SeverityScore = 8
	ev.Username = core.StrPtr(TargetUser)
	return []core.Event{ev}
}

func (s *Scenario) privilegeEscalation(now float64) []core.Event {
	ev := s.event(now, core.EventPrivilegeEscalation, core.SeverityCritical, 22,
		fmt.Sprintf("Unauthorized privilege escalation by %s on %s", TargetUser, TargetIP),
		fmt.Sprintf("%s sudo: %s : TTY=pts/0 ; PWD=/tmp ; USER=root ; COMMAND=/bin/bash (UNAUTHORIZED)",
			s.prefix(now), TargetUser))
	ev.Username = core.StrPtr(TargetUser)
	ev.Mitre = core.MitreFor("privilege_esc")
	return []core.Event{ev}
}

var persistenceTargets = []struct{ path, desc string }{
	{"/etc/ssh/sshd_config", "Backdoor SSH config: permitrootlogin set to yes"},
	{"/etc/passwd", "New user account created: backdoor_user uid=0"},
	{"/etc/crontab", "Cron job added: reverse shell scheduled every 5 min"},
}

func (s *Scenario) persistence(now float64) []core.Event {
	events := make([]core.Event, 0, len(persistenceTargets))
	for _, t := range persistenceTargets {
		ev := s.event(now, core.EventConfigChange, core.SeverityCritical, 22,
			fmt.Sprintf("Critical config file modified on %s: %s", TargetIP, t.path),
			fmt.Sprintf("%s auditd[%d]: MODIFY %s by uid=0 (%s)", s.prefix(now), s.pid(), t.path, t.desc))
		ev.SeverityScore = 10
		ev.Username = core.StrPtr("root")
		ev.Mitre = &core.Mitre{Tactic: "Persistence", Technique: "T1098"}
		events = append(events, ev)
	}
	return events
}

func (s *Scenario) exfiltration(now float64) []core.Event {
	n := 2 + s.rng.IntN(3)
	events := make([]core.Event, 0, n)
	for i := 0; i < n; i++ {
		mb := 100 + s.rng.IntN(701)
		port := pick(s.rng, []int{443, 8443})
		ev := s.event(now, core.EventDataExfiltration, core.SeverityCritical, port,
			fmt.Sprintf("Suspicious large data transfer %s -> %s:%d (%dMB)", TargetIP, AttackerIP, port, mb),
			fmt.Sprintf("%s dlp[%d]: Large outbound transfer %dMB from %s to %s:%d flagged",
				s.prefix(now), s.pid(), mb, TargetIP, AttackerIP, port))
		// data leaves the target towards the attacker
		ev.SourceIP, ev.DestIP = TargetIP, AttackerIP
		ev.Mitre = core.MitreFor("data_exfil")
		events = append(events, ev)
	}
	return events
}
