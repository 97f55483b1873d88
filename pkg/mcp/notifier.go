package mcp

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/notify"
)

// notificationMethod is the MCP method used for pushed notifications.
const notificationMethod = "notifications/message"

// MCPNotifier pushes notifications to every MCP session of the notified
// tenant. It is built before the server exists and attached to it later;
// notifications sent before Attach are dropped.
type MCPNotifier struct {
	srv      atomic.Pointer[server.MCPServer]
	sessions *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP.
func NewMCPNotifier(sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sessions: sessions}
}

// Attach sets the server used for delivery.
func (n *MCPNotifier) Attach(srv *server.MCPServer) {
	n.srv.Store(srv)
}

// Notify sends n to the tenant's sessions. Best-effort: a tenant with no
// connected session is not an error, and sessions that disappeared are
// forgotten.
func (n *MCPNotifier) Notify(_ context.Context, note notify.Notification) error {
	srv := n.srv.Load()
	if srv == nil {
		return nil
	}
	payload := note.Payload()
	var errs []error
	for _, sid := range n.sessions.SessionsFor(note.UserID) {
		err := srv.SendNotificationToSpecificClient(sid, notificationMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
