package proxmoxclient

// VMID is a Proxmox virtual machine or container id.
type VMID int

// TaskID is a Proxmox task identifier (UPID).
type TaskID string

// Guest types as they appear in cluster resources and API paths.
const (
	GuestQEMU = "qemu"
	GuestLXC  = "lxc"
)

// Guest statuses.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Resource is a virtual machine or container in the cluster.
type Resource struct {
	VMID     VMID    `json:"vmid"`
	Name     string  `json:"name"`
	Node     string  `json:"node"`
	Status   string  `json:"status"`
	Template int     `json:"template"`
	Type     string  `json:"type"`
	MaxMem   int64   `json:"maxmem"`
	CPU      float64 `json:"cpu"`
	Uptime   int64   `json:"uptime"`
}

// TaskStatus is returned by GET /nodes/{node}/tasks/{upid}/status.
type TaskStatus struct {
	UPID       string `json:"upid"`
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
	StartTime  int64  `json:"starttime"`
	EndTime    int64  `json:"endtime,omitempty"`
}

// Done reports whether the task has stopped running.
func (s TaskStatus) Done() bool {
	return s.Status == StatusStopped
}

// OK reports whether a finished task succeeded.
func (s TaskStatus) OK() bool {
	return s.Done() && s.ExitStatus == "OK"
}

type envelope[T any] struct {
	Data T `json:"data"`
}
