// Unit tests for Notify routing
package protocol

import (
	"encoding/binary"
	"testing"

	"go.uber.org/zap"
)

type recordingHandler struct {
	nearEntities []*SyncNearEntities
	containers   []*SyncContainerData
	dirty        []*SyncContainerDirtyData
	nearDeltas   []*SyncNearDeltaInfo
	toMeDeltas   []*SyncToMeDeltaInfo
	serverTimes  []*SyncServerTime
	moves        []*MoveInfo
}

func (h *recordingHandler) OnNearEntities(m *SyncNearEntities)        { h.nearEntities = append(h.nearEntities, m) }
func (h *recordingHandler) OnContainerData(m *SyncContainerData)      { h.containers = append(h.containers, m) }
func (h *recordingHandler) OnContainerDirty(m *SyncContainerDirtyData) { h.dirty = append(h.dirty, m) }
func (h *recordingHandler) OnNearDelta(m *SyncNearDeltaInfo)          { h.nearDeltas = append(h.nearDeltas, m) }
func (h *recordingHandler) OnToMeDelta(m *SyncToMeDeltaInfo)          { h.toMeDeltas = append(h.toMeDeltas, m) }
func (h *recordingHandler) OnServerTime(m *SyncServerTime)            { h.serverTimes = append(h.serverTimes, m) }
func (h *recordingHandler) OnMovement(m *MoveInfo)                    { h.moves = append(h.moves, m) }

func (h *recordingHandler) totalCalls() int {
	return len(h.nearEntities) + len(h.containers) + len(h.dirty) +
		len(h.nearDeltas) + len(h.toMeDeltas) + len(h.serverTimes) + len(h.moves)
}

// notifyBody assembles service id, stub id, method id, and payload.
func notifyBody(service uint64, method uint32, payload []byte) []byte {
	body := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint64(body[0:8], service)
	binary.BigEndian.PutUint32(body[8:12], 1) // stub id, unused
	binary.BigEndian.PutUint32(body[12:16], method)
	copy(body[16:], payload)
	return body
}

func TestRouterDispatchesNearDelta(t *testing.T) {
	h := &recordingHandler{}
	r := NewRouter(0, h, zap.NewNop())

	var payload []byte
	payload = appendSub(payload, 1, encodeDelta(0x5<<16|0x0002))
	r.HandleNotify(notifyBody(DefaultServiceID, MethodSyncNearDeltaInfo, payload))

	if len(h.nearDeltas) != 1 {
		t.Fatalf("Expected 1 near delta, got %d", len(h.nearDeltas))
	}
	if h.totalCalls() != 1 {
		t.Errorf("Unexpected extra handler calls")
	}
}

func TestRouterServiceFilter(t *testing.T) {
	h := &recordingHandler{}
	r := NewRouter(0, h, zap.NewNop())

	var payload []byte
	payload = appendSub(payload, 1, encodeDelta(0x5<<16|0x0002))
	r.HandleNotify(notifyBody(0x00000001, MethodSyncNearDeltaInfo, payload))

	if h.totalCalls() != 0 {
		t.Fatalf("Foreign service must produce zero handler calls, got %d", h.totalCalls())
	}
	if got := r.ServiceFiltered.Load(); got != 1 {
		t.Errorf("Expected ServiceFiltered=1, got %d", got)
	}
}

func TestRouterShortBody(t *testing.T) {
	h := &recordingHandler{}
	r := NewRouter(0, h, zap.NewNop())

	r.HandleNotify([]byte{0x01, 0x02, 0x03})
	if h.totalCalls() != 0 {
		t.Errorf("Truncated header must produce zero handler calls")
	}
	if got := r.DecodeErrors.Load(); got != 1 {
		t.Errorf("Expected DecodeErrors=1, got %d", got)
	}
}

func TestRouterDecodeErrorDropsFrame(t *testing.T) {
	h := &recordingHandler{}
	r := NewRouter(0, h, zap.NewNop())

	// Bytes that cannot be a protobuf message: a bytes field whose
	// declared length overruns the buffer.
	r.HandleNotify(notifyBody(DefaultServiceID, MethodSyncNearDeltaInfo, []byte{0x0a, 0x7f, 0x01}))

	if h.totalCalls() != 0 {
		t.Errorf("Broken payload must not reach the handler")
	}
	if got := r.DecodeErrors.Load(); got != 1 {
		t.Errorf("Expected DecodeErrors=1, got %d", got)
	}
}

func TestRouterAllKnownMethods(t *testing.T) {
	h := &recordingHandler{}
	r := NewRouter(0, h, zap.NewNop())

	r.HandleNotify(notifyBody(DefaultServiceID, MethodSyncNearEntities, nil))
	r.HandleNotify(notifyBody(DefaultServiceID, MethodSyncContainerData, nil))
	r.HandleNotify(notifyBody(DefaultServiceID, MethodSyncContainerDirty, nil))
	r.HandleNotify(notifyBody(DefaultServiceID, MethodSyncServerTime, nil))
	r.HandleNotify(notifyBody(DefaultServiceID, MethodSyncNearDeltaInfo, nil))
	r.HandleNotify(notifyBody(DefaultServiceID, MethodSyncToMeDeltaInfo, nil))

	if len(h.nearEntities) != 1 || len(h.containers) != 1 || len(h.dirty) != 1 ||
		len(h.serverTimes) != 1 || len(h.nearDeltas) != 1 || len(h.toMeDeltas) != 1 {
		t.Errorf("Method table dispatch incomplete: %+v", h)
	}
}

func TestRouterUnknownMethodMovement(t *testing.T) {
	h := &recordingHandler{}
	r := NewRouter(0, h, zap.NewNop())

	var pos []byte
	pos = appendVarint(pos, 1, 10)
	pos = appendVarint(pos, 2, 20)
	pos = appendVarint(pos, 3, 30)
	var payload []byte
	payload = appendSub(payload, 1, pos)
	payload = appendVarint(payload, 3, 5)

	r.HandleNotify(notifyBody(DefaultServiceID, 0x7777, payload))

	if len(h.moves) != 1 {
		t.Fatalf("Expected 1 movement from unknown method, got %d", len(h.moves))
	}
	if h.moves[0].X != 10 || h.moves[0].MoveVersion != 5 {
		t.Errorf("Movement decoded wrong: %+v", h.moves[0])
	}
	if got := r.UnknownMethods.Load(); got != 1 {
		t.Errorf("Expected UnknownMethods=1, got %d", got)
	}
}
