package notifier

// Notification is an event published to the message bus under Topic.
type Notification struct {
	Topic string
	Data  interface{}
}

const (
	BootNotificationTopic   = "boot.notification"
	StatusNotificationTopic = "status.notification"
	StartTransactionTopic   = "start.transaction"
	StopTransactionTopic    = "stop.transaction"
	MeterValuesTopic        = "meter.values"
	HeartbeatTopic          = "heartbeat"
)
