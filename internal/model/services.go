package model

// InsecureService describes a cleartext or legacy service reachable on a
// well-known port
type InsecureService struct {
	Port        uint16
	Service     string
	Category    ThreatCategory
	Severity    Severity
	Description string
}

// KnownInsecureServices is the default insecure port table
var KnownInsecureServices = []InsecureService{
	{Port: 20, Service: "FTP-DATA", Category: CategoryInsecureProtocol, Severity: SeverityHigh, Description: "FTP data channel transfers files without encryption"},
	{Port: 21, Service: "FTP", Category: CategoryInsecureProtocol, Severity: SeverityHigh, Description: "FTP transmits credentials and data in cleartext"},
	{Port: 23, Service: "Telnet", Category: CategoryInsecureProtocol, Severity: SeverityCritical, Description: "Telnet transmits sessions and credentials in cleartext"},
	{Port: 69, Service: "TFTP", Category: CategoryInsecureProtocol, Severity: SeverityHigh, Description: "TFTP has no authentication or encryption"},
	{Port: 80, Service: "HTTP", Category: CategoryUnencryptedService, Severity: SeverityLow, Description: "HTTP traffic is not encrypted"},
	{Port: 110, Service: "POP3", Category: CategoryUnencryptedService, Severity: SeverityMedium, Description: "POP3 without TLS exposes mailbox credentials"},
	{Port: 137, Service: "NetBIOS-NS", Category: CategoryLegacyProtocol, Severity: SeverityMedium, Description: "NetBIOS name service leaks host information"},
	{Port: 138, Service: "NetBIOS-DGM", Category: CategoryLegacyProtocol, Severity: SeverityMedium, Description: "NetBIOS datagram service is a legacy protocol"},
	{Port: 139, Service: "NetBIOS-SSN", Category: CategoryLegacyProtocol, Severity: SeverityMedium, Description: "NetBIOS session service is a legacy file sharing protocol"},
	{Port: 143, Service: "IMAP", Category: CategoryUnencryptedService, Severity: SeverityMedium, Description: "IMAP without TLS exposes mailbox credentials"},
	{Port: 161, Service: "SNMP", Category: CategoryInsecureProtocol, Severity: SeverityMedium, Description: "SNMP v1/v2c community strings travel in cleartext"},
	{Port: 445, Service: "SMB", Category: CategoryInsecureProtocol, Severity: SeverityHigh, Description: "SMB exposed on the network is a common attack vector"},
	{Port: 512, Service: "rexec", Category: CategoryLegacyProtocol, Severity: SeverityHigh, Description: "rexec authenticates in cleartext"},
	{Port: 513, Service: "rlogin", Category: CategoryLegacyProtocol, Severity: SeverityHigh, Description: "rlogin trusts host addresses and sends cleartext"},
	{Port: 514, Service: "rsh", Category: CategoryLegacyProtocol, Severity: SeverityHigh, Description: "rsh executes commands without encryption"},
	{Port: 1433, Service: "MSSQL", Category: CategoryUnencryptedService, Severity: SeverityMedium, Description: "Database service reachable over the network"},
	{Port: 3306, Service: "MySQL", Category: CategoryUnencryptedService, Severity: SeverityMedium, Description: "Database service reachable over the network"},
	{Port: 3389, Service: "RDP", Category: CategoryInsecureProtocol, Severity: SeverityMedium, Description: "Remote desktop exposed on the network"},
	{Port: 5900, Service: "VNC", Category: CategoryInsecureProtocol, Severity: SeverityHigh, Description: "VNC often runs without encryption"},
	{Port: 6379, Service: "Redis", Category: CategoryDefaultCredentials, Severity: SeverityHigh, Description: "Redis commonly runs without authentication"},
}

// InsecurePortSet returns the ports of KnownInsecureServices as a lookup set
func InsecurePortSet() map[uint16]struct{} {
	set := make(map[uint16]struct{}, len(KnownInsecureServices))
	for _, s := range KnownInsecureServices {
		set[s.Port] = struct{}{}
	}
	return set
}
