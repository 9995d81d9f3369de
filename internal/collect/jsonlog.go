package collect

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/1sec-project/siem/internal/core"
	"github.com/1sec-project/siem/internal/ingest"
)

// parseJSONLine maps one JSON-line record (application logs, CloudTrail,
// Kubernetes audit) onto an event. Field names are matched loosely; a
// record with no known event type is classified from its message text.
// Lines that are not JSON objects are skipped.
func parseJSONLine(line string, now time.Time) (core.Event, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return core.Event{}, false
	}

	msg := firstString(raw, "message", "msg", "summary", "eventName", "verb")
	ev := ingest.BuildEvent(msg, localRelay, now)
	ev.RawLog = truncate(line)
	ev.Message = msg
	ev.Mitre = nil

	switch {
	case raw["eventName"] != nil:
		classifyCloudTrail(&ev, raw)
	case raw["kind"] == "Event" || strings.Contains(firstString(raw, "apiVersion"), "audit"):
		classifyK8sAudit(&ev, raw)
	}

	if typ := firstString(raw, "event_type", "type"); typ != "" {
		if _, known := core.EventSeverity[typ]; known {
			ev.EventType = typ
		}
	}
	if ip := firstString(raw, "source_ip", "src_ip", "client_ip", "sourceIPAddress", "remote_addr"); ip != "" {
		ev.SourceIP = ip
	}
	if ip := firstString(raw, "dest_ip", "dst_ip"); ip != "" {
		ev.DestIP = ip
	}
	if p, ok := firstNumber(raw, "dest_port", "dst_port"); ok && p > 0 && p <= 65535 {
		ev.DestPort = core.IntPtr(int(p))
	}
	if proto := firstString(raw, "protocol", "proto"); proto != "" {
		ev.Protocol = strings.ToUpper(proto)
	}
	if user := firstString(raw, "username", "user"); user != "" {
		ev.Username = core.StrPtr(user)
	}
	if ts, ok := recordTime(raw, now); ok {
		ev.Timestamp = ts
	}

	finishEvent(&ev)
	return ev, true
}

// classifyCloudTrail maps console logins onto auth events and every other
// management call onto a configuration change.
func classifyCloudTrail(ev *core.Event, raw map[string]any) {
	name := firstString(raw, "eventName")
	ev.Message = name
	if strings.HasPrefix(strings.ToLower(name), "console") && strings.Contains(strings.ToLower(name), "login") {
		ev.EventType = core.EventAuthSuccess
		if firstString(raw, "errorCode") != "" {
			ev.EventType = core.EventAuthFailure
		}
	} else {
		ev.EventType = core.EventConfigChange
	}
	if identity, ok := raw["userIdentity"].(map[string]any); ok {
		if arn := firstString(identity, "arn", "userName"); arn != "" {
			ev.Username = core.StrPtr(arn)
		}
	}
}

// classifyK8sAudit records API writes as configuration changes and reads as
// established connections.
func classifyK8sAudit(ev *core.Event, raw map[string]any) {
	verb := strings.ToLower(firstString(raw, "verb"))
	summary := "k8s " + verb
	if ref, ok := raw["objectRef"].(map[string]any); ok {
		summary += " " + firstString(ref, "resource") + "/" + firstString(ref, "name")
		if ns := firstString(ref, "namespace"); ns != "" {
			summary += " in " + ns
		}
	}
	ev.Message = summary
	switch verb {
	case "create", "update", "patch", "delete", "deletecollection":
		ev.EventType = core.EventConfigChange
	default:
		ev.EventType = core.EventConnectionEstablished
	}
	if user, ok := raw["user"].(map[string]any); ok {
		if name := firstString(user, "username"); name != "" {
			ev.Username = core.StrPtr(name)
		}
	}
	if ips, ok := raw["sourceIPs"].([]any); ok && len(ips) > 0 {
		if ip, ok := ips[0].(string); ok {
			ev.SourceIP = ip
		}
	}
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(raw map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if f, ok := raw[k].(float64); ok {
			return f, true
		}
	}
	return 0, false
}

// recordTime reads an epoch or RFC 3339 timestamp. Times in the future are ignored.
func recordTime(raw map[string]any, now time.Time) (float64, bool) {
	nowEpoch := core.EpochSeconds(now)
	if f, ok := firstNumber(raw, "timestamp", "ts", "time"); ok && f > 0 && f <= nowEpoch {
		return f, true
	}
	s := firstString(raw, "timestamp", "time", "eventTime", "requestReceivedTimestamp", "@timestamp")
	if s == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.After(now) {
		return 0, false
	}
	return core.EpochSeconds(t), true
}
