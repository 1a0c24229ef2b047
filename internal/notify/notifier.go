package notify

import "context"

// Event is one supervision transition worth telling an operator about:
// crashes, restarts, give-ups and recoveries of supervised services.
type Event struct {
	ServiceID string
	From      string
	To        string
	Reason    string
	Attempt   int
}

// Notifier delivers supervision events to external systems.
type Notifier interface {
	Notify(ctx context.Context, launcherID string, events []Event) error
}
