package detect

import (
	"context"
	"sort"
	"strings"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// versionRule flags a deprecated protocol version
type versionRule struct {
	match       string
	name        string
	service     string
	category    model.ThreatCategory
	severity    model.Severity
	description string
}

// tlsRules match the normalized (lowercase, no spaces) TLS/SSL version
var tlsRules = []versionRule{
	{"sslv2", "Deprecated SSL version: SSLv2", "TLS", model.CategoryKnownVulnerability, model.SeverityCritical, "SSLv2 is broken and must not be negotiated"},
	{"sslv3", "Deprecated SSL version: SSLv3", "TLS", model.CategoryKnownVulnerability, model.SeverityHigh, "SSLv3 is vulnerable to POODLE"},
	{"tlsv1.0", "Deprecated TLS version: TLS 1.0", "TLS", model.CategoryLegacyProtocol, model.SeverityMedium, "TLS 1.0 is deprecated (RFC 8996)"},
	{"tlsv1.1", "Deprecated TLS version: TLS 1.1", "TLS", model.CategoryLegacyProtocol, model.SeverityMedium, "TLS 1.1 is deprecated (RFC 8996)"},
}

var sshV1 = versionRule{"ssh-1", "Deprecated SSH version: SSH-1", "SSH", model.CategoryLegacyProtocol, model.SeverityHigh, "SSH protocol version 1 has known cryptographic weaknesses"}

var http10 = versionRule{"http/1.0", "Legacy HTTP version: HTTP/1.0", "HTTP", model.CategoryLegacyProtocol, model.SeverityLow, "HTTP/1.0 lacks host binding and persistent connections"}

// bannerRules match known-vulnerable server banners (case-insensitive substring)
var bannerRules = []versionRule{
	{"vsftpd 2.3.4", "Vulnerable server: vsFTPd 2.3.4", "FTP", model.CategoryKnownVulnerability, model.SeverityCritical, "vsFTPd 2.3.4 shipped with a backdoor"},
	{"proftpd 1.3.3c", "Vulnerable server: ProFTPD 1.3.3c", "FTP", model.CategoryKnownVulnerability, model.SeverityCritical, "ProFTPD 1.3.3c shipped with a backdoor"},
	{"apache/2.4.49", "Vulnerable server: Apache 2.4.49", "HTTP", model.CategoryKnownVulnerability, model.SeverityCritical, "Apache 2.4.49 path traversal (CVE-2021-41773)"},
	{"openssl/1.0.1", "Vulnerable library: OpenSSL 1.0.1", "TLS", model.CategoryKnownVulnerability, model.SeverityHigh, "OpenSSL 1.0.1 is affected by Heartbleed"},
	{"microsoft-iis/6.0", "Vulnerable server: IIS 6.0", "HTTP", model.CategoryKnownVulnerability, model.SeverityHigh, "IIS 6.0 WebDAV buffer overflow (CVE-2017-7269)"},
}

// InsecureVersionDetector reports deprecated protocol versions and known
// vulnerable server banners. Each record is classified on its own.
type InsecureVersionDetector struct{}

// NewInsecureVersionDetector creates a new version detector
func NewInsecureVersionDetector() *InsecureVersionDetector {
	return &InsecureVersionDetector{}
}

func (d *InsecureVersionDetector) Name() string { return "insecure-version" }

// Detect classifies each record and aggregates findings per threat key
func (d *InsecureVersionDetector) Detect(ctx context.Context, records []*model.Record) ([]model.Threat, error) {
	found := make(map[model.ThreatKey]*model.Threat)

	for i, r := range records {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for _, rule := range classifyVersion(r) {
			t := &model.Threat{
				Category:    rule.category,
				Severity:    rule.severity,
				Name:        rule.name,
				Description: rule.description,
				Service:     rule.service,
				Port:        int(serverPort(r)),
			}
			key := t.Key()
			if existing, ok := found[key]; ok {
				t = existing
			} else {
				found[key] = t
			}
			t.Observe(r)
		}
	}

	threats := make([]model.Threat, 0, len(found))
	for _, t := range found {
		threats = append(threats, *t)
	}
	sort.Slice(threats, func(i, j int) bool {
		return threats[i].Key().String() < threats[j].Key().String()
	})
	return threats, nil
}

func classifyVersion(r *model.Record) []versionRule {
	var hits []versionRule

	tls := normalizeVersion(r.Meta("tls.version"))
	if tls == "" {
		tls = normalizeVersion(r.ApplicationProtocol)
	}
	if tls != "" {
		for _, rule := range tlsRules {
			if tls == rule.match || (rule.match == "tlsv1.0" && tls == "tlsv1") {
				hits = append(hits, rule)
				break
			}
		}
	}

	ssh := strings.ToLower(strings.TrimSpace(r.Meta("ssh.version")))
	if ssh != "" && isSSHv1(ssh) {
		hits = append(hits, sshV1)
	}

	if strings.EqualFold(strings.TrimSpace(r.Meta("http.version")), "HTTP/1.0") {
		hits = append(hits, http10)
	}

	if banner := strings.ToLower(r.Meta("server.banner")); banner != "" {
		for _, rule := range bannerRules {
			if strings.Contains(banner, rule.match) {
				hits = append(hits, rule)
			}
		}
	}
	return hits
}

// normalizeVersion maps "TLS v1.2", "TLSv1.2" and "tls 1.2" to "tlsv1.2"
func normalizeVersion(v string) string {
	v = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(v), " ", ""))
	if !strings.HasPrefix(v, "tls") && !strings.HasPrefix(v, "ssl") {
		return ""
	}
	if len(v) > 3 && v[3] != 'v' {
		v = v[:3] + "v" + v[3:]
	}
	return v
}

// isSSHv1 accepts "1", "1.5", "ssh-1.5-..." but not "1.99", which also speaks v2
func isSSHv1(v string) bool {
	v = strings.TrimPrefix(v, "ssh-")
	if !strings.HasPrefix(v, "1") {
		return false
	}
	return !strings.HasPrefix(v, "1.99")
}

// serverPort guesses the service side of a record: the lower non-zero port
func serverPort(r *model.Record) uint16 {
	switch {
	case r.SourcePort == 0:
		return r.DestinationPort
	case r.DestinationPort == 0:
		return r.SourcePort
	case r.SourcePort < r.DestinationPort:
		return r.SourcePort
	default:
		return r.DestinationPort
	}
}
