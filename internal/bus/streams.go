package bus

import "time"

// Stream names for the three persistence tiers.
const (
	StreamRegistry  = "SVC_REGISTRY"
	StreamStatus    = "SVC_STATUS"
	StreamHeartbeat = "SVC_HEARTBEAT"
)

// StreamLimits describes the retention applied to one stream. Zero values
// mean "no limit" for that dimension.
type StreamLimits struct {
	Name           string        `yaml:"-"`
	Subjects       []string      `yaml:"-"`
	MaxAge         time.Duration `yaml:"max_age"`
	MaxMsgsPerSubj int64         `yaml:"max_msgs_per_subject"`
}

// StreamSet carries the retention configuration for all three tiers. The
// exact numbers vary between deployments, so they are configuration with the
// defaults below.
type StreamSet struct {
	Registry  StreamLimits `yaml:"registry"`
	Status    StreamLimits `yaml:"status"`
	Heartbeat StreamLimits `yaml:"heartbeat"`
}

// DefaultStreams returns the stock retention policy: registry events kept
// indefinitely with a per-subject message cap, status kept for 30 days,
// heartbeats for one day.
func DefaultStreams() StreamSet {
	return StreamSet{
		Registry: StreamLimits{
			Name:           StreamRegistry,
			Subjects:       []string{RegistryWildcard},
			MaxMsgsPerSubj: 1000,
		},
		Status: StreamLimits{
			Name:     StreamStatus,
			Subjects: []string{StatusWildcard},
			MaxAge:   30 * 24 * time.Hour,
		},
		Heartbeat: StreamLimits{
			Name:     StreamHeartbeat,
			Subjects: []string{HeartbeatWildcard},
			MaxAge:   24 * time.Hour,
		},
	}
}

// All returns the stream definitions with names and subjects filled in even
// when the limits came from configuration.
func (s StreamSet) All() []StreamLimits {
	s.Registry.Name = StreamRegistry
	s.Registry.Subjects = []string{RegistryWildcard}
	s.Status.Name = StreamStatus
	s.Status.Subjects = []string{StatusWildcard}
	s.Heartbeat.Name = StreamHeartbeat
	s.Heartbeat.Subjects = []string{HeartbeatWildcard}
	return []StreamLimits{s.Registry, s.Status, s.Heartbeat}
}
