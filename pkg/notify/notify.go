// Package notify emits membership change notifications to the external
// email service. Delivery is best-effort: a failed or slow notification is
// logged and counted but never fails the operation that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/felthorpe/acsp-members/pkg/config"
	"github.com/felthorpe/acsp-members/pkg/identity"
	"github.com/felthorpe/acsp-members/pkg/observability"
)

// EventKind tags a notification variant
type EventKind string

const (
	EventMemberAdded EventKind = "member_added"
	EventRoleChanged EventKind = "role_changed"
)

// Event is one membership notification. Each variant is a plain struct
// tagged by Kind; Render dispatches on the tag.
type Event interface {
	Kind() EventKind
}

// MemberAdded is emitted when a user is added to an organization
type MemberAdded struct {
	ACSPName    string        `json:"acsp_name"`
	MemberEmail string        `json:"member_email"`
	AddedBy     string        `json:"added_by"`
	Role        identity.Role `json:"role"`
}

func (MemberAdded) Kind() EventKind { return EventMemberAdded }

// RoleChanged is emitted when a member's role changes
type RoleChanged struct {
	ACSPName    string        `json:"acsp_name"`
	MemberEmail string        `json:"member_email"`
	ChangedBy   string        `json:"changed_by"`
	OldRole     identity.Role `json:"old_role"`
	NewRole     identity.Role `json:"new_role"`
}

func (RoleChanged) Kind() EventKind { return EventRoleChanged }

// Render produces the message subject and body for an event
func Render(event Event) (subject, body string) {
	switch e := event.(type) {
	case MemberAdded:
		subject = fmt.Sprintf("You have been added to %s", e.ACSPName)
		body = fmt.Sprintf("%s added you to %s with the %s role.", e.AddedBy, e.ACSPName, e.Role)
	case RoleChanged:
		subject = fmt.Sprintf("Your role at %s has changed", e.ACSPName)
		body = fmt.Sprintf("%s changed your role at %s from %s to %s.", e.ChangedBy, e.ACSPName, e.OldRole, e.NewRole)
	default:
		subject = "Membership update"
		body = fmt.Sprintf("Your membership was updated (%s).", event.Kind())
	}
	return subject, body
}

// Notifier is the fire-and-forget notification sink
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// EmailNotifier posts rendered events to the email service asynchronously
type EmailNotifier struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewEmailNotifier creates an email notification sink
func NewEmailNotifier(cfg config.CollaboratorConfig, metrics *observability.Metrics, logger *observability.Logger) *EmailNotifier {
	return &EmailNotifier{
		url:     cfg.EmailAPIURL,
		client:  &http.Client{},
		timeout: cfg.RequestTimeout,
		logger:  logger,
		metrics: metrics,
	}
}

type emailMessage struct {
	Kind      EventKind `json:"kind"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
}

// Notify delivers the event in the background. The caller's context is not
// reused: the request that triggered the event may complete (and cancel its
// context) before delivery finishes.
func (n *EmailNotifier) Notify(ctx context.Context, event Event) {
	requestID := ""
	if id, ok := identity.FromContext(ctx); ok {
		requestID = id.RequestID
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if err := n.send(sendCtx, event); err != nil {
			n.record(event, "failed")
			n.logger.WithError(err).
				WithField("event_kind", string(event.Kind())).
				WithField("request_id", requestID).
				Error("failed to deliver notification")
			return
		}
		n.record(event, "sent")
	}()
}

func (n *EmailNotifier) send(ctx context.Context, event Event) error {
	subject, body := Render(event)

	recipient := ""
	switch e := event.(type) {
	case MemberAdded:
		recipient = e.MemberEmail
	case RoleChanged:
		recipient = e.MemberEmail
	}

	payload, err := json.Marshal(emailMessage{
		Kind:      event.Kind(),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url+"/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification request returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *EmailNotifier) record(event Event, status string) {
	if n.metrics != nil {
		n.metrics.NotificationsTotal.WithLabelValues(string(event.Kind()), status).Inc()
	}
}

// Noop is a Notifier that discards every event; used in tests and when no
// email service is configured.
type Noop struct{}

// Notify discards the event
func (Noop) Notify(ctx context.Context, event Event) {}
