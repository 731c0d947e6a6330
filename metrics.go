package rce

var (
	MetricUsersActive         = []string{"rce", "users", "active"}
	MetricRobotsActive        = []string{"rce", "robots", "active"}
	MetricInterfacesActive    = []string{"rce", "interfaces", "active"}
	MetricConnectionsActive   = []string{"rce", "connections", "active"}
	MetricProvisionDuration   = []string{"rce", "provision", "duration"}
	MetricProvisionErrorCount = []string{"rce", "provision", "error", "count"}
	MetricRequestErrorCount   = []string{"rce", "request", "error", "count"}
	MetricContainerLostCount  = []string{"rce", "container", "lost", "count"}
)
