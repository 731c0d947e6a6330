package network

var (
	MetricEndpointsActive           = []string{"rce", "network", "endpoints", "active"}
	MetricEndpointConnectionsActive = []string{"rce", "network", "endpoint_connections", "active"}
	MetricConnectionsActive         = []string{"rce", "network", "connections", "active"}
	MetricHandshakeDuration         = []string{"rce", "network", "handshake", "duration"}
	MetricHandshakeErrorCount       = []string{"rce", "network", "handshake", "error", "count"}
)
