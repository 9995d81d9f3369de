package generator

import "github.com/1sec-project/siem/internal/core"

type geoProfile struct {
	country string
	city    string
	lat     float64
	lng     float64
}

func (g geoProfile) geo() *core.Geo {
	return &core.Geo{Country: g.country, City: g.city, Latitude: g.lat, Longitude: g.lng}
}

var geoProfiles = []geoProfile{
	{"United States", "New York", 40.7128, -74.0060},
	{"United States", "Los Angeles", 34.0522, -118.2437},
	{"United States", "Chicago", 41.8781, -87.6298},
	{"Russia", "Moscow", 55.7558, 37.6173},
	{"Russia", "Saint Petersburg", 59.9343, 30.3351},
	{"China", "Beijing", 39.9042, 116.4074},
	{"China", "Shanghai", 31.2304, 121.4737},
	{"Germany", "Berlin", 52.5200, 13.4050},
	{"Brazil", "São Paulo", -23.5505, -46.6333},
	{"Nigeria", "Lagos", 6.5244, 3.3792},
	{"Iran", "Tehran", 35.6892, 51.3890},
	{"North Korea", "Pyongyang", 39.0392, 125.7625},
	{"India", "Mumbai", 19.0760, 72.8777},
	{"Romania", "Bucharest", 44.4268, 26.1025},
	{"Netherlands", "Amsterdam", 52.3676, 4.9041},
	{"United Kingdom", "London", 51.5074, -0.1278},
	{"South Korea", "Seoul", 37.5665, 126.9780},
	{"Ukraine", "Kyiv", 50.4501, 30.5234},
}

var internalGeo = geoProfile{"United States", "Internal Network", 40.7128, -74.0060}

var (
	internalSubnets = []string{"10.0.1", "10.0.2", "10.0.3", "192.168.1", "192.168.10"}
	externalRanges  = []string{"185.220", "45.155", "89.248", "103.42", "77.91", "62.102", "194.26", "212.70", "91.219"}
	usernames       = []string{
		"admin", "root", "jsmith", "agarcia", "mwilliams", "test", "backup",
		"ftpuser", "oracle", "postgres", "deploy", "sysadmin", "guest",
		"service_acct", "www-data", "nobody", "operator",
	}
	services    = []string{"sshd", "httpd", "nginx", "mysqld", "postfix", "vsftpd", "named", "smbd", "crond", "systemd"}
	commonPorts = []int{22, 80, 443, 3306, 8080, 21, 25, 53, 445, 3389, 8443, 5432, 6379, 27017, 9200}
)

type weightedType struct {
	eventType string
	weight    int
	external  bool
}

// eventMix is the traffic mix in a fixed order so seeded runs are reproducible.
var eventMix = []weightedType{
	{core.EventAuthSuccess, 20, false},
	{core.EventAuthFailure, 15, true},
	{core.EventFirewallAllow, 18, false},
	{core.EventFirewallDrop, 12, true},
	{core.EventFirewallReject, 5, true},
	{core.EventPortScan, 4, true},
	{core.EventConnectionEstablished, 15, false},
	{core.EventConnectionTimeout, 6, false},
	{core.EventMalwareSignature, 2, true},
	{core.EventPrivilegeEscalation, 1, false},
	{core.EventDataExfiltration, 1, true},
	{core.EventDNSQuery, 12, false},
	{core.EventServiceStart, 3, false},
	{core.EventServiceStop, 2, false},
	{core.EventConfigChange, 2, false},
}

var totalWeight = func() int {
	n := 0
	for _, w := range eventMix {
		n += w.weight
	}
	return n
}()

var (
	malwareSignatures = []string{"Win.Trojan.Agent-123", "Backdoor.Linux.Mirai", "Exploit.CVE-2024-3094", "Ransomware.WannaCry.variant"}
	dnsDomains        = []string{"google.com", "evil-c2-server.xyz", "microsoft.com", "update.malware.ru", "cdn.normal-site.com"}
	sensitiveFiles    = []string{"/etc/passwd", "/etc/shadow", "/etc/sudoers", "/etc/ssh/sshd_config", "/etc/iptables/rules.v4"}
)

const sensorHost = "siem-sensor-01"
