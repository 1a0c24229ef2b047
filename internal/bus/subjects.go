package bus

import "fmt"

// Subject families for the service supervision protocol. Service ids are
// lowercase and dot-namespaced ("{service_type}.{variant}"); the variant
// segment never contains a dot, so the wildcards below always match.
const (
	SubjectPrefix = "svc"

	RegistryWildcard  = SubjectPrefix + ".registry.>"
	StatusWildcard    = SubjectPrefix + ".status.>"
	HeartbeatWildcard = SubjectPrefix + ".heartbeat.>"
)

// RegistrySubject returns the registry subject for a lifecycle event.
func RegistrySubject(event, serviceID string) string {
	return fmt.Sprintf("%s.registry.%s.%s", SubjectPrefix, event, serviceID)
}

// StatusSubject returns the status subject for a service.
func StatusSubject(serviceID string) string {
	return fmt.Sprintf("%s.status.%s", SubjectPrefix, serviceID)
}

// HeartbeatSubject returns the heartbeat subject for a service.
func HeartbeatSubject(serviceID string) string {
	return fmt.Sprintf("%s.heartbeat.%s", SubjectPrefix, serviceID)
}

// RPCSubject returns the versioned request/reply subject for a command.
// Compound commands ("start.echo.t1") are passed through as-is.
func RPCSubject(serviceID, command string) string {
	return fmt.Sprintf("%s.rpc.%s.v1.%s", SubjectPrefix, serviceID, command)
}

// RPCWildcard matches every v1 command addressed to a service.
func RPCWildcard(serviceID string) string {
	return fmt.Sprintf("%s.rpc.%s.v1.>", SubjectPrefix, serviceID)
}

// SubjectMatches reports whether a concrete subject matches a pattern with
// NATS wildcard semantics ("*" one token, ">" the rest).
func SubjectMatches(pattern, subject string) bool {
	pt := splitTokens(pattern)
	st := splitTokens(subject)

	for i, token := range pt {
		if token == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if token != "*" && token != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func splitTokens(subject string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			tokens = append(tokens, subject[start:i])
			start = i + 1
		}
	}
	return append(tokens, subject[start:])
}
