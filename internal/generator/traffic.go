// Package generator synthesizes security events: a weighted background
// traffic mix and a scripted multi-stage intrusion.
package generator

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// Producer generates random background traffic. It implements core.Producer.
type Producer struct {
	mu    sync.Mutex
	rng   *rand.Rand
	clock core.Clock
}

// NewProducer creates a producer. A nil rng is seeded from the runtime.
func NewProducer(rng *rand.Rand, clock core.Clock) *Producer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Producer{rng: rng, clock: clock}
}

// Generate returns count events spread over the last two seconds.
func (p *Producer) Generate(ctx context.Context, count int) ([]core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := core.EpochSeconds(p.clock.Now())
	events := make([]core.Event, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, p.next(now))
	}
	return events, nil
}

func (p *Producer) next(now float64) core.Event {
	ts := now - p.rng.Float64()*2
	kind := p.pickType()

	src := p.internalIP()
	if kind.external {
		src = p.externalIP()
	}
	dst := p.internalIP()
	port := pick(p.rng, commonPorts)
	proto := pick(p.rng, []string{"TCP", "UDP"})
	if kind.eventType == core.EventDNSQuery {
		proto = "UDP"
	}
	var user string
	if strings.Contains(kind.eventType, "auth") || kind.eventType == core.EventPrivilegeEscalation {
		user = pick(p.rng, usernames)
	}
	svc := pick(p.rng, services)

	sev := core.EventSeverity[kind.eventType]
	band := sev.Band()
	ev := core.Event{
		Timestamp:     ts,
		SourceIP:      src,
		DestIP:        dst,
		DestPort:      core.IntPtr(port),
		Protocol:      proto,
		EventType:     kind.eventType,
		Severity:      sev,
		SeverityScore: band.Min + p.rng.IntN(band.Max-band.Min+1),
		RawLog:        p.rawLog(ts, kind.eventType, src, dst, port, proto, user, svc),
		Message:       message(kind.eventType, src, dst, port, user),
		Geo:           geoFor(src),
		Mitre:         core.MitreForEvent(kind.eventType),
		Flagged:       core.IsThreatIntelIP(src),
	}
	if user != "" {
		ev.Username = core.StrPtr(user)
	}
	return ev
}

func (p *Producer) pickType() weightedType {
	n := p.rng.IntN(totalWeight)
	for _, w := range eventMix {
		if n < w.weight {
			return w
		}
		n -= w.weight
	}
	return eventMix[len(eventMix)-1]
}

func (p *Producer) internalIP() string {
	return fmt.Sprintf("%s.%d", pick(p.rng, internalSubnets), 2+p.rng.IntN(253))
}

// externalIP draws from the threat-intel list 15% of the time.
func (p *Producer) externalIP() string {
	if p.rng.Float64() < 0.15 {
		return pick(p.rng, core.ThreatIntelIPs)
	}
	return fmt.Sprintf("%s.%d.%d", pick(p.rng, externalRanges), 1+p.rng.IntN(254), 1+p.rng.IntN(254))
}

// geoFor returns a stable location for ip.
func geoFor(ip string) *core.Geo {
	for _, s := range internalSubnets {
		if strings.HasPrefix(ip, s+".") {
			return internalGeo.geo()
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return geoProfiles[h.Sum32()%uint32(len(geoProfiles))].geo()
}

func pick[T any](rng *rand.Rand, items []T) T {
	return items[rng.IntN(len(items))]
}

func syslogStamp(ts float64) string {
	return time.Unix(int64(ts), 0).Format(time.Stamp)
}

func (p *Producer) rawLog(ts float64, eventType, src, dst string, port int, proto, user, svc string) string {
	prefix := syslogStamp(ts) + " " + sensorHost
	pid := 1000 + p.rng.IntN(9000)
	ephemeral := 30000 + p.rng.IntN(35001)

	switch {
	case eventType == core.EventAuthFailure:
		return fmt.Sprintf("%s %s[%d]: Failed password for %s from %s port %d %s", prefix, svc, pid, user, src, ephemeral, proto)
	case eventType == core.EventAuthSuccess:
		return fmt.Sprintf("%s %s[%d]: Accepted publickey for %s from %s port %d %s", prefix, svc, pid, user, src, ephemeral, proto)
	case strings.HasPrefix(eventType, "firewall_"):
		action := strings.ToUpper(strings.TrimPrefix(eventType, "firewall_"))
		return fmt.Sprintf("%s kernel: iptables %s IN=eth0 SRC=%s DST=%s PROTO=%s DPT=%d", prefix, action, src, dst, proto, port)
	case eventType == core.EventPortScan:
		return fmt.Sprintf("%s snort[%d]: [1:1000001:1] PORT SCAN detected from %s targeting %s ports %d-%d", prefix, pid, src, dst, port, port+100)
	case eventType == core.EventMalwareSignature:
		return fmt.Sprintf("%s clamav[%d]: ALERT - %s detected in traffic from %s to %s:%d", prefix, pid, pick(p.rng, malwareSignatures), src, dst, port)
	case eventType == core.EventPrivilegeEscalation:
		return fmt.Sprintf("%s sudo: %s : TTY=pts/0 ; PWD=/tmp ; USER=root ; COMMAND=/bin/bash (UNAUTHORIZED)", prefix, user)
	case eventType == core.EventDataExfiltration:
		return fmt.Sprintf("%s dlp[%d]: Large outbound transfer %dMB from %s to %s:%d flagged", prefix, pid, 50+p.rng.IntN(451), src, dst, port)
	case eventType == core.EventDNSQuery:
		return fmt.Sprintf("%s named[%d]: query: %s IN A from %s", prefix, pid, pick(p.rng, dnsDomains), src)
	case eventType == core.EventConfigChange:
		return fmt.Sprintf("%s auditd[%d]: MODIFY %s by uid=%d", prefix, pid, pick(p.rng, sensitiveFiles), p.rng.IntN(1001))
	case eventType == core.EventServiceStart:
		return fmt.Sprintf("%s systemd[1]: Started %s.service", prefix, svc)
	case eventType == core.EventServiceStop:
		return fmt.Sprintf("%s systemd[1]: Stopped %s.service", prefix, svc)
	default:
		return fmt.Sprintf("%s %s[%d]: %s connection %s:%d -> %s:%d", prefix, svc, pid, proto, src, ephemeral, dst, port)
	}
}

func message(eventType, src, dst string, port int, user string) string {
	switch eventType {
	case core.EventAuthSuccess:
		return fmt.Sprintf("Successful login by %s from %s", user, src)
	case core.EventAuthFailure:
		return fmt.Sprintf("Failed login attempt for %s from %s", user, src)
	case core.EventFirewallAllow:
		return fmt.Sprintf("Allowed %s -> %s:%d", src, dst, port)
	case core.EventFirewallDrop:
		return fmt.Sprintf("Dropped packet from %s -> %s:%d", src, dst, port)
	case core.EventFirewallReject:
		return fmt.Sprintf("Rejected connection from %s -> %s:%d", src, dst, port)
	case core.EventPortScan:
		return fmt.Sprintf("Port scan detected from %s targeting %s", src, dst)
	case core.EventConnectionEstablished:
		return fmt.Sprintf("Connection %s -> %s:%d established", src, dst, port)
	case core.EventConnectionTimeout:
		return fmt.Sprintf("Connection timeout %s -> %s:%d", src, dst, port)
	case core.EventMalwareSignature:
		return fmt.Sprintf("Malware signature matched in traffic from %s", src)
	case core.EventPrivilegeEscalation:
		return fmt.Sprintf("Unauthorized privilege escalation by %s on %s", user, dst)
	case core.EventDataExfiltration:
		return fmt.Sprintf("Suspicious large data transfer %s -> %s:%d", src, dst, port)
	case core.EventDNSQuery:
		return fmt.Sprintf("DNS query from %s", src)
	case core.EventServiceStart:
		return fmt.Sprintf("Service started on %s", dst)
	case core.EventServiceStop:
		return fmt.Sprintf("Service stopped on %s", dst)
	case core.EventConfigChange:
		return fmt.Sprintf("Critical config file modified on %s", dst)
	default:
		return fmt.Sprintf("Event from %s", src)
	}
}
