package collect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/1sec-project/siem/internal/core"
)

// nginx/apache combined log format:
// 1.2.3.4 - user [10/Oct/2000:13:55:36 -0700] "GET /path HTTP/1.1" 200 2326 "referer" "user-agent"
var nginxLogRe = regexp.MustCompile(
	`^(\S+)\s+\S+\s+(\S+)\s+\[([^\]]+)\]\s+"(\S+)\s+(\S+)\s+\S+"\s+(\d{3})\s+(\d+|-)(?:\s+"([^"]*)")?\s*(?:"([^"]*)")?`,
)

const nginxTimeLayout = "02/Jan/2006:15:04:05 -0700"

// scannerPathRe matches requests for files that only vulnerability scanners ask for.
var scannerPathRe = regexp.MustCompile(`(?i)(/\.env|/\.git/|/wp-login\.php|/phpmyadmin|/etc/passwd|\.\./)`)

// parseNginxLine maps one access-log line onto an event. Rejected
// credentials become auth failures, refused requests and scanner requests
// become firewall rejects, and everything else is an established connection.
func parseNginxLine(line string, now time.Time) (core.Event, bool) {
	m := nginxLogRe.FindStringSubmatch(line)
	if m == nil {
		return core.Event{}, false
	}
	status, _ := strconv.Atoi(m[6])
	method, path := m[4], m[5]

	ev := core.Event{
		Timestamp: core.EpochSeconds(now),
		SourceIP:  m[1],
		Protocol:  "TCP",
		RawLog:    truncate(line),
		Message:   fmt.Sprintf("%s %s %d", method, path, status),
	}
	if t, err := time.Parse(nginxTimeLayout, m[3]); err == nil && !t.After(now) {
		ev.Timestamp = core.EpochSeconds(t)
	}
	if user := m[2]; user != "-" {
		ev.Username = core.StrPtr(user)
	}
	if ua := m[9]; ua != "" && ua != "-" {
		ev.Message += " ua=" + ua
	}

	switch {
	case status == 401 || (status == 403 && isLoginPath(path)):
		ev.EventType = core.EventAuthFailure
	case scannerPathRe.MatchString(path):
		ev.EventType = core.EventFirewallReject
		ev.SeverityScore = 6
	case status == 403 || status == 444:
		ev.EventType = core.EventFirewallReject
	case status == 408 || status == 504:
		ev.EventType = core.EventConnectionTimeout
	default:
		ev.EventType = core.EventConnectionEstablished
	}

	finishEvent(&ev)
	return ev, true
}

func isLoginPath(path string) bool {
	p := strings.ToLower(path)
	return strings.Contains(p, "login") || strings.Contains(p, "signin") || strings.Contains(p, "auth")
}
