package actions

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/stretchr/testify/require"

	"charge_point/clock"
	"charge_point/configuration"
	"charge_point/connector"
	"charge_point/engine"
)

type recorder struct {
	frames [][]byte
}

func (r *recorder) Send(frame []byte) error {
	r.frames = append(r.frames, frame)
	return nil
}

type sentCall struct {
	id      string
	action  string
	payload json.RawMessage
}

// calls returns every Call frame sent so far.
func (r *recorder) calls(t *testing.T) []sentCall {
	t.Helper()
	var out []sentCall
	for _, f := range r.frames {
		var elems []json.RawMessage
		require.NoError(t, json.Unmarshal(f, &elems))
		var kind int
		require.NoError(t, json.Unmarshal(elems[0], &kind))
		if kind != 2 {
			continue
		}
		var c sentCall
		require.NoError(t, json.Unmarshal(elems[1], &c.id))
		require.NoError(t, json.Unmarshal(elems[2], &c.action))
		c.payload = elems[3]
		out = append(out, c)
	}
	return out
}

// reply returns the last CallResult payload or CallError code sent.
func (r *recorder) reply(t *testing.T) []json.RawMessage {
	t.Helper()
	require.NotEmpty(t, r.frames)
	var elems []json.RawMessage
	require.NoError(t, json.Unmarshal(r.frames[len(r.frames)-1], &elems))
	return elems
}

type meter map[int]float64

func (m meter) ReadEnergyActiveImportRegister(connectorID int) (float64, bool) {
	v, ok := m[connectorID]
	return v, ok
}

// emitter turns connector loop decisions into operations.
type emitter struct {
	h *harness
}

func (e emitter) StatusChanged(id int, status core.ChargePointStatus, code core.ChargePointErrorCode) {
	e.h.initiate(NewStatusNotification(e.h.model, id, status, code))
}

func (e emitter) StartTransaction(id int) {
	e.h.initiate(NewStartTransaction(e.h.model, id, ""))
}

func (e emitter) StopTransaction(id int) {
	e.h.initiate(NewStopTransaction(e.h.model, id))
}

type harness struct {
	t      *testing.T
	tr     *recorder
	engine *engine.Engine
	model  *Model
	dir    string
}

var epoch = time.Date(2022, 2, 1, 20, 53, 32, 486_000_000, time.UTC)

func newHarness(t *testing.T, numConnectors int) *harness {
	t.Helper()
	h := &harness{t: t, tr: &recorder{}, dir: t.TempDir()}
	n := 0
	h.engine = engine.New(h.tr, engine.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("%d", n)
	}), engine.WithNow(func() time.Time { return epoch }))

	store := configuration.NewStore(h.dir, nil)
	h.model = &Model{
		Clock:         clock.New(func() time.Time { return epoch }),
		Configuration: store,
		Meter:         meter{1: 1500, 2: 42},
	}
	h.model.Connectors = connector.NewService(store, numConnectors, emitter{h})
	Register(h.engine, h.model)
	return h
}

func (h *harness) initiate(op engine.Outgoing) string {
	h.t.Helper()
	id, err := h.engine.Initiate(op, engine.Timeout{}, nil)
	require.NoError(h.t, err)
	return id
}

func (h *harness) lastCall() sentCall {
	h.t.Helper()
	calls := h.tr.calls(h.t)
	require.NotEmpty(h.t, calls)
	return calls[len(calls)-1]
}

func (h *harness) confirm(id string, payload string) {
	h.engine.HandleFrame([]byte(`[3,"` + id + `",` + payload + `]`))
}

func (h *harness) call(action, payload string) []json.RawMessage {
	h.t.Helper()
	h.engine.HandleFrame([]byte(`[2,"cs-1","` + action + `",` + payload + `]`))
	return h.tr.reply(h.t)
}

func (h *harness) connector(id int) *connector.Connector {
	return h.model.Connectors.Connector(id)
}
