package activity

import (
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// Api addresses one element execution through the api exchange of a
// broker. Messages are routed as <prefix>.<action>.<executionId>.
type Api struct {
	prefix  string
	broker  *broker.Broker
	content *core.Content
}

// NewApi creates an api for the execution described by content.
func NewApi(prefix string, b *broker.Broker, content *core.Content) *Api {
	return &Api{prefix: prefix, broker: b, content: content.Clone()}
}

// ID returns the element id.
func (api *Api) ID() string { return api.content.ID }

// ExecutionID returns the addressed execution id.
func (api *Api) ExecutionID() string { return api.content.ExecutionID }

// Content returns a copy of the addressed content.
func (api *Api) Content() *core.Content { return api.content.Clone() }

// Signal sends a signal with an optional payload.
func (api *Api) Signal(message map[string]any) {
	api.SendApiMessage(core.MessageTypeSignal, message, broker.Properties{})
}

// Cancel requests cancellation.
func (api *Api) Cancel(message map[string]any) {
	api.SendApiMessage(core.MessageTypeCancel, message, broker.Properties{})
}

// Discard requests a discard.
func (api *Api) Discard() {
	api.SendApiMessage(core.MessageTypeDiscard, nil, broker.Properties{})
}

// Stop requests a stop.
func (api *Api) Stop() {
	api.SendApiMessage(core.MessageTypeStop, nil, broker.Properties{})
}

// Fail reports an error to the execution.
func (api *Api) Fail(err *core.ActivityError) {
	content := api.content.Clone()
	content.Error = err
	api.publish(core.MessageTypeError, content, broker.Properties{})
}

// SendApiMessage publishes action with message as payload.
func (api *Api) SendApiMessage(action string, message map[string]any, props broker.Properties) {
	content := api.content.Clone()
	if message != nil {
		content.Message = core.CloneMap(message)
	}
	api.publish(action, content, props)
}

func (api *Api) publish(action string, content *core.Content, props broker.Properties) {
	if props.Type == "" {
		props.Type = action
	}
	api.broker.Publish(core.ExchangeAPI, api.RoutingKey(action), content, props)
}

// RoutingKey returns the routing key of action for the addressed execution.
func (api *Api) RoutingKey(action string) string {
	return api.prefix + "." + action + "." + api.content.ExecutionID
}
