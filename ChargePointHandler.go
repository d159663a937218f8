package main

import (
	"context"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/sirupsen/logrus"

	"charge_point/chargepoint"
	"charge_point/notifier"
)

// Inbound is the source of frames received from the Central System.
type Inbound interface {
	Inbound() <-chan []byte
}

// ChargePointHandler owns the charge point and the simulated hardware inputs.
// Both are only touched by the goroutine running Run; everything else posts
// closures through Do.
type ChargePointHandler struct {
	cp           *chargepoint.ChargePoint
	plugged      map[int]bool
	faults       map[int]core.ChargePointErrorCode
	notification chan notifier.Notification
	posts        chan func(cp *chargepoint.ChargePoint)
}

func NewChargePointHandler() *ChargePointHandler {
	return &ChargePointHandler{
		plugged:      make(map[int]bool),
		faults:       make(map[int]core.ChargePointErrorCode),
		notification: make(chan notifier.Notification, 256),
		posts:        make(chan func(cp *chargepoint.ChargePoint), 64),
	}
}

// Attach installs the simulated samplers on every connector of cp.
func (handler *ChargePointHandler) Attach(cp *chargepoint.ChargePoint) {
	handler.cp = cp
	for _, c := range cp.Connectors().Connectors() {
		id := c.ID()
		if id > 0 {
			cp.SetPluggedSampler(id, func() bool { return handler.plugged[id] })
		}
		cp.SetFaultSampler(id, func() core.ChargePointErrorCode {
			if code, ok := handler.faults[id]; ok {
				return code
			}
			return core.NoError
		})
	}
}

// Notify queues n for publication and drops it when nobody keeps up.
func (handler *ChargePointHandler) Notify(n notifier.Notification) {
	select {
	case handler.notification <- n:
	default:
		logDefault(-1, n.Topic).Warn("notification queue full, dropping notification")
	}
}

func (handler *ChargePointHandler) NotificationChannel() chan notifier.Notification {
	return handler.notification
}

// Do runs fn on the charge point goroutine.
func (handler *ChargePointHandler) Do(fn func(cp *chargepoint.ChargePoint)) {
	handler.posts <- fn
}

// Run feeds inbound frames and posted closures to the charge point and calls
// its loop every interval until ctx is done.
func (handler *ChargePointHandler) Run(ctx context.Context, transport Inbound, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-transport.Inbound():
			handler.cp.HandleFrame(frame)
		case fn := <-handler.posts:
			fn(handler.cp)
		case <-ticker.C:
			handler.cp.Loop()
		}
	}
}

func (handler *ChargePointHandler) setPlugged(connectorID int, plugged bool) {
	handler.plugged[connectorID] = plugged
}

func (handler *ChargePointHandler) setFault(connectorID int, code core.ChargePointErrorCode) {
	if code == "" || code == core.NoError {
		delete(handler.faults, connectorID)
		return
	}
	handler.faults[connectorID] = code
}

func logDefault(connectorID int, feature string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"connector": connectorID, "message": feature})
}
