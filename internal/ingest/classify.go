package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// EventSyslog is the event type of messages no classifier recognises.
const EventSyslog = "syslog_event"

// syslogMessage represents a parsed syslog message.
type syslogMessage struct {
	Facility  int
	Severity  int
	Timestamp *time.Time
	Hostname  string
	AppName   string
	ProcID    string
	MsgID     string
	Message   string
}

// RFC 5424 pattern: <PRI>VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID MSG
var rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>(\d)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)

// RFC 3164 pattern: <PRI>TIMESTAMP HOSTNAME MSG
var rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)

// Bare priority pattern: <PRI>MSG
var barePriRe = regexp.MustCompile(`^<(\d{1,3})>(.+)$`)

// parseSyslog parses raw. RFC 3164 timestamps carry no year; now supplies it.
func parseSyslog(raw string, now time.Time) *syslogMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: nilValue(m[4]),
			AppName:  nilValue(m[5]),
			ProcID:   nilValue(m[6]),
			MsgID:    nilValue(m[7]),
			Message:  m[8],
		}
		if t, err := time.Parse(time.RFC3339, m[3]); err == nil {
			msg.Timestamp = &t
		}
		return msg
	}

	if m := rfc3164Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Hostname: m[3],
			Message:  m[4],
		}
		tsStr := fmt.Sprintf("%d %s", now.Year(), m[2])
		if t, err := time.ParseInLocation("2006 Jan _2 15:04:05", tsStr, now.Location()); err == nil {
			msg.Timestamp = &t
		}
		// "sshd[1234]: message"
		if idx := strings.Index(msg.Message, ":"); idx > 0 && !strings.ContainsAny(msg.Message[:idx], " \t") {
			appPart := msg.Message[:idx]
			if pidIdx := strings.Index(appPart, "["); pidIdx > 0 {
				msg.AppName = appPart[:pidIdx]
				msg.ProcID = strings.Trim(appPart[pidIdx:], "[]")
			} else {
				msg.AppName = appPart
			}
			msg.Message = strings.TrimSpace(msg.Message[idx+1:])
		}
		return msg
	}

	if m := barePriRe.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		return &syslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Message:  m[2],
		}
	}

	return nil
}

// nilValue maps the RFC 5424 NILVALUE "-" to the empty string.
func nilValue(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// syslogSeverityToCore maps syslog severity (0=emergency..7=debug) to core.Severity.
func syslogSeverityToCore(syslogSev int) core.Severity {
	switch {
	case syslogSev <= 1: // emergency, alert
		return core.SeverityCritical
	case syslogSev <= 3: // critical, error
		return core.SeverityHigh
	case syslogSev <= 4: // warning
		return core.SeverityMedium
	default: // notice, info, debug
		return core.SeverityLow
	}
}

var (
	authFailureRe   = regexp.MustCompile(`(?i)(failed\s+password|authentication\s+failure|invalid\s+user|failed\s+login|bad\s+password|account\s+locked)`)
	authSuccessRe   = regexp.MustCompile(`(?i)(accepted\s+password|accepted\s+publickey|successful\s+login|logged\s+in)`)
	sudoRe          = regexp.MustCompile(`(?i)(\bsudo\b.*COMMAND=|\bsu:|privilege\s+escalation|setuid)`)
	portScanRe      = regexp.MustCompile(`(?i)(port\s*scan|portscan|nmap|masscan)`)
	malwareRe       = regexp.MustCompile(`(?i)(clamav|malware|trojan|ransomware|backdoor|virus\s+found)`)
	exfilRe         = regexp.MustCompile(`(?i)(exfiltrat|outbound\s+transfer|large\s+upload|\bdlp\b)`)
	firewallRe      = regexp.MustCompile(`(?i)(iptables|nftables|\bufw\b|firewall|filterlog)`)
	firewallActRe   = regexp.MustCompile(`(?i)\b(ACCEPT|ALLOW|PASS|DROP|DENY|BLOCK|REJECT)\b`)
	configChangeRe  = regexp.MustCompile(`(?i)(auditd.*\b(MODIFY|write|unlink)\b|config(uration)?\s+(file\s+)?(changed|modified)|file\s+modified)`)
	timeoutRe       = regexp.MustCompile(`(?i)(timed\s+out|timeout)`)
	serviceStartRe  = regexp.MustCompile(`(?i)\b(Started|Starting)\s+\S+`)
	serviceStopRe   = regexp.MustCompile(`(?i)\b(Stopped|Stopping)\s+\S+`)
	dnsRe           = regexp.MustCompile(`(?i)(\bnamed\b|dnsmasq|unbound|\bquery:|NXDOMAIN|SERVFAIL)`)
	connectionEstRe = regexp.MustCompile(`(?i)connection\s+(established|from)`)
)

type syslogRule struct {
	re        *regexp.Regexp
	eventType string
}

// syslogRules are evaluated in order; the first match wins. Firewall lines
// are resolved separately from their action keyword.
var syslogRules = []syslogRule{
	{authFailureRe, core.EventAuthFailure},
	{authSuccessRe, core.EventAuthSuccess},
	{sudoRe, core.EventPrivilegeEscalation},
	{configChangeRe, core.EventConfigChange},
	{portScanRe, core.EventPortScan},
	{malwareRe, core.EventMalwareSignature},
	{exfilRe, core.EventDataExfiltration},
	{firewallRe, ""},
	{timeoutRe, core.EventConnectionTimeout},
	{serviceStartRe, core.EventServiceStart},
	{serviceStopRe, core.EventServiceStop},
	{dnsRe, core.EventDNSQuery},
	{connectionEstRe, core.EventConnectionEstablished},
}

// classifySyslogEvent maps a message onto an event type and its severity.
// Unrecognised messages become EventSyslog with the syslog severity.
func classifySyslogEvent(msg *syslogMessage) (string, core.Severity) {
	combined := msg.AppName + " " + msg.Message
	for _, r := range syslogRules {
		if !r.re.MatchString(combined) {
			continue
		}
		eventType := r.eventType
		if eventType == "" {
			eventType = firewallEventType(combined)
		}
		return eventType, core.EventSeverity[eventType]
	}
	return EventSyslog, syslogSeverityToCore(msg.Severity)
}

func firewallEventType(s string) string {
	m := firewallActRe.FindStringSubmatch(s)
	if m == nil {
		return core.EventFirewallDrop
	}
	switch strings.ToUpper(m[1]) {
	case "ACCEPT", "ALLOW", "PASS":
		return core.EventFirewallAllow
	case "REJECT":
		return core.EventFirewallReject
	default:
		return core.EventFirewallDrop
	}
}

// usernameRes extract usernames from common auth messages, most specific first.
var usernameRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:failed|accepted)\s+\w+\s+for\s+(?:invalid\s+)?(?:user\s+)?(\S+)\s+from`),
	regexp.MustCompile(`\bsudo:?\s+(\S+)\s+:`),
	regexp.MustCompile(`(?i)(?:for(?:\s+invalid)?\s+user\s+|\buser[=:\s]+|acct="?)([^\s"']+)`),
}

var (
	srcIPRe   = regexp.MustCompile(`(?:\bfrom|\bsrc|SRC=|\bsource[=:\s])[\s=]*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	dstIPRe   = regexp.MustCompile(`(?:\bto|\bdst|DST=|\bdest[=:\s])[\s=]*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	// dstPortRe only matches destination markers. A bare "port N" is
	// usually the client side, as in sshd's "from <ip> port <n>".
	dstPortRe = regexp.MustCompile(`(?i)(?:\bDPT=|\bdport[=:\s]+|\bdst[_\s-]?port[=:\s]+|\bdest(?:ination)?[_\s-]?port[=:\s]+|\bon\s+port\s+|\b(?:to|on)\s+\d{1,3}(?:\.\d{1,3}){3}(?:\s+port\s+|:)|->\s*\d{1,3}(?:\.\d{1,3}){3}:)(\d{1,5})\b`)
	protoRe   = regexp.MustCompile(`(?i)(?:PROTO=|protocol[=:\s]*)(\w+)`)
	protoWord = regexp.MustCompile(`\b(TCP|UDP|ICMP)\b`)
)

// enrichEvent fills the network and identity fields found in the message.
// An address reported in the message replaces the relay address.
func enrichEvent(ev *core.Event, msg *syslogMessage) {
	combined := msg.AppName + " " + msg.Message

	for _, re := range usernameRes {
		if m := re.FindStringSubmatch(combined); m != nil {
			ev.Username = core.StrPtr(m[1])
			break
		}
	}

	if m := srcIPRe.FindStringSubmatch(combined); m != nil {
		ev.SourceIP = m[1]
	}
	if m := dstIPRe.FindStringSubmatch(combined); m != nil {
		ev.DestIP = m[1]
	}

	if port := dstPortRe.FindStringSubmatch(combined); port != nil {
		if p, err := strconv.Atoi(port[1]); err == nil && p > 0 && p <= 65535 {
			ev.DestPort = core.IntPtr(p)
		}
	}

	if m := protoRe.FindStringSubmatch(combined); m != nil {
		ev.Protocol = strings.ToUpper(m[1])
	} else if m := protoWord.FindStringSubmatch(combined); m != nil {
		ev.Protocol = m[1]
	}
}
