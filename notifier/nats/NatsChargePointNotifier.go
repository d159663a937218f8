package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"charge_point/common"
	"charge_point/notifier"
)

// RequestSubject is where commands for the charge point arrive.
const RequestSubject = "request"

// Function handles one command. It must send exactly one response.
type Function func(connectorID *int, payload []byte, responseChannel chan common.Response)

type natsChargePointNotifier struct {
	notification chan notifier.Notification
	connection   *nats.Conn
	subscription *nats.Subscription
	handlers     map[string]Function
	timeout      time.Duration
	validate     *validator.Validate
	log          *logrus.Entry
	done         chan struct{}
}

func New(logger *logrus.Logger) *natsChargePointNotifier {
	return &natsChargePointNotifier{
		handlers: make(map[string]Function),
		timeout:  30 * time.Second,
		validate: validator.New(),
		log:      logger.WithField("component", "nats"),
		done:     make(chan struct{}),
	}
}

func (n *natsChargePointNotifier) SetTimeout(timeout time.Duration) {
	n.timeout = timeout
}

func (n *natsChargePointNotifier) Timeout() time.Duration {
	return n.timeout
}

func (n *natsChargePointNotifier) AddHandler(action string, fn Function) {
	n.handlers[action] = fn
}

// SetChannel sets the source of the notifications to publish.
func (n *natsChargePointNotifier) SetChannel(notification chan notifier.Notification) {
	n.notification = notification
}

func (n *natsChargePointNotifier) publishNotifications() {
	for {
		select {
		case <-n.done:
			return
		case msg := <-n.notification:
			bt, err := json.Marshal(msg.Data)
			if err != nil {
				n.log.Errorf("couldn't encode %s notification: %v", msg.Topic, err)
				continue
			}
			if err := n.connection.Publish(msg.Topic, bt); err != nil {
				n.log.Warnf("couldn't publish %s: %v", msg.Topic, err)
			}
		}
	}
}

func errorResponse(code, message string) common.Response {
	return common.Response{Err: &common.Error{Code: code, Message: message}}
}

// dispatch validates a raw command, runs its handler and waits for the answer
// at most the configured timeout.
func (n *natsChargePointNotifier) dispatch(data []byte) common.Response {
	var command common.Command
	if err := json.Unmarshal(data, &command); err != nil {
		return errorResponse("command.format.not.valid", "the command is not valid JSON")
	}
	if err := n.validate.Struct(&command); err != nil {
		return errorResponse("command.format.not.valid", "the command is not valid")
	}

	fn, exists := n.handlers[command.Action]
	if !exists {
		return errorResponse("command.action.not.found", fmt.Sprintf("action %q does not exist", command.Action))
	}

	payload, _ := json.Marshal(command.Payload)
	responseChannel := make(chan common.Response, 1)
	go fn(command.ConnectorId, payload, responseChannel)

	select {
	case response := <-responseChannel:
		return response
	case <-time.After(n.timeout):
		return errorResponse("request.timeout", "the request timed out")
	}
}

func (n *natsChargePointNotifier) requestHandler(m *nats.Msg) {
	n.log.Debugf("request %s", m.Data)
	bt, err := json.Marshal(n.dispatch(m.Data))
	if err != nil {
		n.log.Errorf("couldn't encode response: %v", err)
		return
	}
	n.log.Debugf("response %s", bt)
	if err := m.Respond(bt); err != nil {
		n.log.Warnf("couldn't respond: %v", err)
	}
}

// Start connects to url, answers commands and publishes notifications until
// Stop.
func (n *natsChargePointNotifier) Start(url string) error {
	nc, err := nats.Connect(url, nats.Name("charge-point"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	sub, err := nc.Subscribe(RequestSubject, n.requestHandler)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe to %s: %w", RequestSubject, err)
	}
	n.connection = nc
	n.subscription = sub
	if n.notification != nil {
		go n.publishNotifications()
	}
	n.log.Infof("connected to %s", nc.ConnectedUrl())
	return nil
}

func (n *natsChargePointNotifier) Stop() {
	if n.connection == nil {
		return
	}
	close(n.done)
	if err := n.subscription.Unsubscribe(); err != nil {
		n.log.Warnf("couldn't unsubscribe: %v", err)
	}
	n.connection.Close()
	n.log.Info("NatsStopped")
}
