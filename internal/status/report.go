package status

// ChildSummary is the per-child line included in a published status report.
type ChildSummary struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the status record published on the status subject and returned
// by Monitor snapshots. Status carries the effective (aggregated) level;
// OwnStatus the monitor's own component.
type Report struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	OwnStatus Status         `json:"own_status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp Timestamp      `json:"timestamp"`
	Children  []ChildSummary `json:"children,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}
