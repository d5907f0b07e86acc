package orchestrator

import (
	"context"
	"strings"

	apperrors "notification-pipeline/internal/common/errors"
	"notification-pipeline/internal/models"
)

const (
	EventUserRegistered = "user_registered"
	EventNewMovie       = "new_movie"
)

// Event is a coarse external event routed onto SendNotification.
type Event struct {
	Type   string
	UserID string
	Data   map[string]interface{}
}

// EventRoutes names the templates the known events use.
type EventRoutes struct {
	UserRegisteredTemplate string
	NewMovieTemplate       string
}

type eventRoute struct {
	template   string
	channel    models.ChannelType
	recipients func(userID string) []string
}

func (r EventRoutes) table() map[string]eventRoute {
	return map[string]eventRoute{
		EventUserRegistered: {
			template:   r.UserRegisteredTemplate,
			channel:    models.ChannelEmail,
			recipients: func(userID string) []string { return []string{userID} },
		},
		EventNewMovie: {
			template:   r.NewMovieTemplate,
			channel:    models.ChannelPush,
			recipients: func(string) []string { return []string{BroadcastRecipient} },
		},
	}
}

// ProcessEvent validates ev against its schema and sends the notification
// its route describes. Unknown event types are rejected.
func (o *Orchestrator) ProcessEvent(ctx context.Context, ev Event) ([]*models.Notification, error) {
	route, ok := o.routes[ev.Type]
	if !ok || !o.events.Known(ev.Type) {
		return nil, apperrors.NewUnknownEventError(ev.Type)
	}

	input := map[string]interface{}{"eventType": ev.Type}
	if ev.UserID != "" {
		input["userId"] = ev.UserID
	}
	if ev.Data != nil {
		input["data"] = ev.Data
	}

	res, err := o.events.Validate(ev.Type, input)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if !res.Valid {
		return nil, apperrors.NewValidationError(strings.Join(res.GetErrorMessages(), "; "))
	}

	if route.template == "" {
		return nil, apperrors.NewValidationError("no template configured for event " + ev.Type)
	}
	tpl, err := o.templates.GetTemplateByName(ctx, route.template)
	if err != nil {
		return nil, err
	}

	o.log.Info("routing event", map[string]interface{}{
		"eventType":  ev.Type,
		"templateId": tpl.ID,
		"channel":    route.channel.String(),
	})
	return o.SendNotification(ctx, SendRequest{
		TemplateID:  tpl.ID,
		Recipients:  route.recipients(ev.UserID),
		ChannelType: route.channel,
		Payload:     ev.Data,
	})
}
