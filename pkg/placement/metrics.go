package placement

var (
	MetricContainersActive    = []string{"rce", "placement", "containers", "active"}
	MetricMachinesActive      = []string{"rce", "placement", "machines", "active"}
	MetricGroupsActive        = []string{"rce", "placement", "groups", "active"}
	MetricPlacementErrorCount = []string{"rce", "placement", "error", "count"}
	MetricTopologyErrorCount  = []string{"rce", "placement", "topology", "error", "count"}
)
