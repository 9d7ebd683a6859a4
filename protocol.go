package main

// DeviceStatus describes one tracked ASHA device as last observed by its
// supervisor.
type DeviceStatus struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"` // "status"
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	Playing bool           `json:"playing"`
	Devices []DeviceStatus `json:"devices,omitempty"`
	Error   string         `json:"error,omitempty"`
}
