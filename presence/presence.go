package presence

import (
	"encoding/json"
	"log/slog"

	"chatwire-server/domain"
)

// update is the full-state presence event pushed to every connection. It is
// always the complete online set, never a diff, so clients reconcile by
// replacement.
type update struct {
	Type  string            `json:"type"`
	Users []domain.Identity `json:"users"`
}

// Notifier publishes the online set to all live connections whenever the
// registry changes.
type Notifier struct {
	registry    domain.Registry
	broadcaster domain.Broadcaster
}

func NewNotifier(registry domain.Registry, broadcaster domain.Broadcaster) *Notifier {
	return &Notifier{registry: registry, broadcaster: broadcaster}
}

// Publish snapshots the online set and broadcasts it. Delivery failures to
// individual connections are swallowed; end-of-session cleanup removes dead
// connections.
func (n *Notifier) Publish() {
	users := n.registry.OnlineIdentities()
	data, err := json.Marshal(update{Type: "online_users_update", Users: users})
	if err != nil {
		slog.Error("presence marshal error", "error", err)
		return
	}

	n.broadcaster.Broadcast(data)
	slog.Debug("presence published", "online", len(users))
}
