// Package protocol routes Notify envelopes by service and method id and
// decodes their schema-encoded bodies into typed messages.
package protocol

import (
	"encoding/binary"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultServiceID is the game service whose notifications feed the
// pipeline. Every other service id is discarded without decoding.
const DefaultServiceID uint64 = 0x0000000063335342

const notifyHeaderSize = 16 // service u64 + stub u32 + method u32

// Method ids the router dispatches on.
const (
	MethodSyncNearEntities   = 0x00000006
	MethodSyncContainerData  = 0x00000015
	MethodSyncContainerDirty = 0x00000016
	MethodSyncServerTime     = 0x0000002b
	MethodSyncNearDeltaInfo  = 0x0000002d
	MethodSyncToMeDeltaInfo  = 0x0000002e
)

// Handler consumes the decoded messages. The dispatcher implements it.
type Handler interface {
	OnNearEntities(*SyncNearEntities)
	OnContainerData(*SyncContainerData)
	OnContainerDirty(*SyncContainerDirtyData)
	OnNearDelta(*SyncNearDeltaInfo)
	OnToMeDelta(*SyncToMeDeltaInfo)
	OnServerTime(*SyncServerTime)
	OnMovement(*MoveInfo)
}

// Router reads the Notify header and dispatches the body to the
// decoder matching the method id. Decode failures drop the current
// frame only.
type Router struct {
	serviceID uint64
	handler   Handler
	logger    *zap.Logger

	// Statistics
	NotifySeen      atomic.Uint64
	ServiceFiltered atomic.Uint64
	DecodeErrors    atomic.Uint64
	UnknownMethods  atomic.Uint64
	MovesDecoded    atomic.Uint64
}

// NewRouter creates a router for the given service id; zero selects the
// default.
func NewRouter(serviceID uint64, handler Handler, logger *zap.Logger) *Router {
	if serviceID == 0 {
		serviceID = DefaultServiceID
	}
	return &Router{
		serviceID: serviceID,
		handler:   handler,
		logger:    logger,
	}
}

// HandleNotify processes one decompressed Notify body.
func (r *Router) HandleNotify(body []byte) {
	r.NotifySeen.Add(1)
	if len(body) < notifyHeaderSize {
		r.DecodeErrors.Add(1)
		return
	}

	service := binary.BigEndian.Uint64(body[0:8])
	// Bytes 8:12 carry the stub id; routing does not use it.
	method := binary.BigEndian.Uint32(body[12:16])

	if service != r.serviceID {
		r.ServiceFiltered.Add(1)
		return
	}
	payload := body[notifyHeaderSize:]

	switch method {
	case MethodSyncNearEntities:
		msg, err := DecodeSyncNearEntities(payload)
		if err != nil {
			r.decodeError(method, err)
			return
		}
		r.handler.OnNearEntities(msg)
	case MethodSyncContainerData:
		msg, err := DecodeSyncContainerData(payload)
		if err != nil {
			r.decodeError(method, err)
			return
		}
		r.handler.OnContainerData(msg)
	case MethodSyncContainerDirty:
		msg, err := DecodeSyncContainerDirtyData(payload)
		if err != nil {
			r.decodeError(method, err)
			return
		}
		r.handler.OnContainerDirty(msg)
	case MethodSyncServerTime:
		msg, err := DecodeSyncServerTime(payload)
		if err != nil {
			r.decodeError(method, err)
			return
		}
		r.handler.OnServerTime(msg)
	case MethodSyncNearDeltaInfo:
		msg, err := DecodeSyncNearDeltaInfo(payload)
		if err != nil {
			r.decodeError(method, err)
			return
		}
		r.handler.OnNearDelta(msg)
	case MethodSyncToMeDeltaInfo:
		msg, err := DecodeSyncToMeDeltaInfo(payload)
		if err != nil {
			r.decodeError(method, err)
			return
		}
		r.handler.OnToMeDelta(msg)
	default:
		r.UnknownMethods.Add(1)
		r.tryMovement(payload)
	}
}

// tryMovement speculatively decodes unknown methods as movement
// messages, NewMove first. Either decoder failing just falls through;
// the server pushes movement on ids we never learned.
func (r *Router) tryMovement(payload []byte) {
	if mv, err := DecodeNewMove(payload); err == nil && mv != nil {
		r.MovesDecoded.Add(1)
		r.handler.OnMovement(mv)
		return
	}
	if mv, err := DecodeUserControlInfo(payload); err == nil && mv != nil {
		r.MovesDecoded.Add(1)
		r.handler.OnMovement(mv)
	}
}

func (r *Router) decodeError(method uint32, err error) {
	r.DecodeErrors.Add(1)
	r.logger.Debug("schema decode failed",
		zap.Uint32("method_id", method),
		zap.Error(err),
	)
}
