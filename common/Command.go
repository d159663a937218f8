package common

// Command is the request envelope received over the message bus. ConnectorId
// may be omitted for commands that address the whole charge point.
type Command struct {
	Action      string      `json:"action" validate:"required"`
	ConnectorId *int        `json:"connectorId" validate:"omitempty,min=0"`
	Payload     interface{} `json:"payload"`
}
