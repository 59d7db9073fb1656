package api

import "github.com/cuemby/tsimd/pkg/types"

// envelope is the common JSON response shape every handler writes.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func okEnvelope() envelope { return envelope{Success: true} }

// loginRequest is the POST /login body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// submitRequest is the POST /main body.
type submitRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Services    string `json:"services"` // "80,443/tcp,8000-8010/udp"
}

// submitResponse is returned by a successful POST /main.
type submitResponse struct {
	Success  bool   `json:"success"`
	RunID    string `json:"run_id"`
	Redirect string `json:"redirect"`
}

// progressResponse is returned by GET /progress.
type progressResponse struct {
	Success bool                   `json:"success"`
	RunID   string                 `json:"run_id"`
	State   types.RunState         `json:"state"`
	Events  []types.ProgressEvent  `json:"events"`
	Results []types.ServiceResult  `json:"results,omitempty"`
}

// servicesConfigResponse is returned by GET /services-config.
type servicesConfigResponse struct {
	Success     bool            `json:"success"`
	Mode        string          `json:"mode"`
	QuickSelect []types.Service `json:"quick_select_services"`
}

// testConfigResponse is returned by GET /test-config.
type testConfigResponse struct {
	Success     bool   `json:"success"`
	Mode        string `json:"mode"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// adminQueueResponse is returned by GET /admin/queue.
type adminQueueResponse struct {
	Success     bool                   `json:"success"`
	Runs        []*types.Run           `json:"runs"`
	Allocations []types.DSCPAllocation `json:"dscp_allocations"`
}
