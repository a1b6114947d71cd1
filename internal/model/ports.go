package model

// sensitivePorts are remote-access and database ports. An unsolicited
// incoming connection to one of these is interesting regardless of risk
// label.
var sensitivePorts = map[int]struct{}{
	21:    {}, // FTP
	22:    {}, // SSH
	23:    {}, // Telnet
	135:   {}, // MS RPC
	445:   {}, // SMB
	1433:  {}, // MSSQL
	3306:  {}, // MySQL
	3389:  {}, // RDP
	5432:  {}, // PostgreSQL
	5900:  {}, // VNC
	6379:  {}, // Redis
	27017: {}, // MongoDB
}

// credentialedServicePorts are services that authenticate with credentials
// and are therefore brute-forceable.
var credentialedServicePorts = map[int]struct{}{
	21:    {},
	22:    {},
	23:    {},
	25:    {}, // SMTP
	110:   {}, // POP3
	143:   {}, // IMAP
	587:   {}, // SMTP submission
	993:   {}, // IMAPS
	995:   {}, // POP3S
	1433:  {},
	3306:  {},
	3389:  {},
	5432:  {},
	5900:  {},
	6379:  {},
	8080:  {}, // web admin
	8443:  {}, // web admin
	27017: {},
}

// IsSensitivePort reports whether port is on the sensitive allow-list.
func IsSensitivePort(port int) bool {
	_, ok := sensitivePorts[port]
	return ok
}

// IsCredentialedServicePort reports whether port belongs to a credentialed
// service eligible for brute-force detection.
func IsCredentialedServicePort(port int) bool {
	_, ok := credentialedServicePorts[port]
	return ok
}
