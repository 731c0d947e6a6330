package endpoint

var (
	MetricHandshakeCount        = []string{"rce", "endpoint", "handshake", "count"}
	MetricHandshakeErrorCount   = []string{"rce", "endpoint", "handshake", "error", "count"}
	MetricFrameInBytes          = []string{"rce", "endpoint", "frame", "in", "bytes"}
	MetricFrameOutBytes         = []string{"rce", "endpoint", "frame", "out", "bytes"}
	MetricFrameErrorCount       = []string{"rce", "endpoint", "frame", "error", "count"}
	MetricMessageDroppedCount   = []string{"rce", "endpoint", "message", "dropped", "count"}
	MetricProtocolsActive       = []string{"rce", "endpoint", "protocols", "active"}
	MetricInterfacesActive      = []string{"rce", "endpoint", "interfaces", "active"}
	MetricServiceCallDuration   = []string{"rce", "endpoint", "service", "call", "duration"}
	MetricServiceCallErrorCount = []string{"rce", "endpoint", "service", "call", "error", "count"}
)
