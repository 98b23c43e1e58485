package models

// ProductName is the server product advertised in the Server response header.
const ProductName = "workernodes"

// Version is the software version reported by both roles. Clients warn on
// mismatch but keep going.
const Version = "1.4.0"

// NodeInfo identifies a node. Fetched once by clients from GET /.
type NodeInfo struct {
	Name        string `json:"name"`
	NodeVersion string `json:"nodeVersion"`
}

// HealthStatus is the load sample returned by GET /health. CPUUsage holds one
// utilization value in [0,1] per core.
type HealthStatus struct {
	WorkersRunning int       `json:"workersRunning"`
	CPUUsage       []float64 `json:"cpuUsage"`
}

// MeanCPUUsage returns the mean per-core utilization, or 0 for an empty sample.
func (h *HealthStatus) MeanCPUUsage() float64 {
	if h == nil || len(h.CPUUsage) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range h.CPUUsage {
		sum += v
	}
	return sum / float64(len(h.CPUUsage))
}

// Credentials is the static basic-auth pair configured per node.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
