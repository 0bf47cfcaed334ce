// Package dispatch classifies entity uuids, applies attribute patches,
// and turns decoded combat records into sink events.
package dispatch

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/properafk/properafk/pkg/protocol"
)

// Entity kinds, discriminated by the low 16 bits of a uuid. The split
// is empirical; any other value is dropped, never coerced.
const (
	kindUnknown = iota
	kindPlayer
	kindMonster
)

const (
	uuidKindMask    = 0xffff
	uuidKindPlayer  = 0x0001
	uuidKindMonster = 0x0002
)

type enemyState struct {
	rawName        string
	monsterID      uint32
	hp             uint64
	maxHP          uint64
	reductionLevel uint32
	reductionID    uint32
	element        uint32
	registered     bool
}

// Dispatcher owns the live entity picture: the local player uuid, the
// per-monster registration state, and the translation of decoded
// messages into sink calls. It implements protocol.Handler and is
// driven from the single capture goroutine.
type Dispatcher struct {
	sink         Sink
	logger       *zap.Logger
	monsterNames map[uint32]string

	localUUID uint64
	enemies   map[uint64]*enemyState

	// Statistics
	ClassificationUnknown atomic.Uint64
	AttrErrors            atomic.Uint64
	UnexpectedTypeFlags   atomic.Uint64
	EventsDropped         atomic.Uint64
	PlayerEvents          atomic.Uint64
	EnemyEvents           atomic.Uint64
	MovesPublished        atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMonsterNames installs a localized monster-name table keyed by
// monster type id. Names without a mapping are used as-is.
func WithMonsterNames(names map[uint32]string) Option {
	return func(d *Dispatcher) { d.monsterNames = names }
}

// NewDispatcher creates a dispatcher feeding the given sink.
func NewDispatcher(sink Sink, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:         sink,
		logger:       logger,
		monsterNames: map[uint32]string{},
		enemies:      make(map[uint64]*enemyState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reset clears the local player and all monster state. Called on device
// switch so nothing derived from the old capture survives.
func (d *Dispatcher) Reset() {
	d.localUUID = 0
	d.enemies = make(map[uint64]*enemyState)
}

// LocalShortID returns the local player's short id, or 0 if none seen.
func (d *Dispatcher) LocalShortID() uint64 {
	return d.localUUID >> 16
}

func (d *Dispatcher) classify(uuid uint64) (int, uint64) {
	switch uuid & uuidKindMask {
	case uuidKindPlayer:
		return kindPlayer, uuid >> 16
	case uuidKindMonster:
		return kindMonster, uuid >> 16
	default:
		return kindUnknown, 0
	}
}

func (d *Dispatcher) setLocal(uuid uint64, origin string) {
	if uuid == 0 || uuid == d.localUUID {
		return
	}
	if d.localUUID != 0 {
		d.logger.Info("local player changed",
			zap.Uint64("old_uuid", d.localUUID),
			zap.Uint64("new_uuid", uuid),
			zap.String("origin", origin),
		)
	}
	d.localUUID = uuid
}

// OnNearEntities registers every nearby entity. The first player seen
// becomes the local player when none is known yet.
func (d *Dispatcher) OnNearEntities(msg *protocol.SyncNearEntities) {
	for _, ent := range msg.Entities {
		kind, shortID := d.classify(ent.UUID)
		switch kind {
		case kindPlayer:
			if d.localUUID == 0 {
				d.setLocal(ent.UUID, "SyncNearEntities")
			}
			d.applyPlayerEntity(shortID, ent.Entity)
		case kindMonster:
			d.applyMonsterEntity(shortID, ent.Entity)
		default:
			d.unknownClass(ent.UUID)
		}
	}
}

// OnContainerData applies a full single-entity snapshot.
func (d *Dispatcher) OnContainerData(msg *protocol.SyncContainerData) {
	d.applyContainerUpdate(msg.UUID, msg.Entity)
}

// OnContainerDirty applies a single-entity patch.
func (d *Dispatcher) OnContainerDirty(msg *protocol.SyncContainerDirtyData) {
	d.applyContainerUpdate(msg.UUID, msg.Entity)
}

func (d *Dispatcher) applyContainerUpdate(uuid uint64, ent *protocol.Entity) {
	kind, shortID := d.classify(uuid)
	switch kind {
	case kindPlayer:
		d.applyPlayerEntity(shortID, ent)
	case kindMonster:
		d.applyMonsterEntity(shortID, ent)
	default:
		d.unknownClass(uuid)
	}
}

// OnNearDelta applies a batch of AoI deltas.
func (d *Dispatcher) OnNearDelta(msg *protocol.SyncNearDeltaInfo) {
	for _, delta := range msg.Deltas {
		d.processDelta(delta)
	}
}

// OnToMeDelta applies the local player's own delta. Its uuid is
// authoritative for local-player identity.
func (d *Dispatcher) OnToMeDelta(msg *protocol.SyncToMeDeltaInfo) {
	if msg.Delta == nil {
		return
	}
	d.setLocal(msg.Delta.UUID, "SyncToMeDeltaInfo")
	d.processDelta(msg.Delta)
}

// OnServerTime unwraps the AoI delta a clock push carries.
func (d *Dispatcher) OnServerTime(msg *protocol.SyncServerTime) {
	if msg.Delta != nil {
		d.processDelta(msg.Delta)
	}
}

// OnMovement publishes an opportunistically decoded position for the
// local player. Without a known local player there is nobody to key it
// to.
func (d *Dispatcher) OnMovement(mv *protocol.MoveInfo) {
	if d.localUUID == 0 {
		return
	}
	d.MovesPublished.Add(1)
	d.sink.SetLocalPosition(Position{
		UID:         d.localUUID >> 16,
		X:           mv.X,
		Y:           mv.Y,
		Z:           mv.Z,
		Dir:         mv.Dir,
		MoveVersion: mv.MoveVersion,
	})
}

func (d *Dispatcher) processDelta(delta *protocol.AoiSyncDelta) {
	kind, shortID := d.classify(delta.UUID)
	switch kind {
	case kindPlayer:
		if delta.Attrs != nil {
			d.applyPlayerAttrs(shortID, delta.Attrs.Attrs)
		}
	case kindMonster:
		if delta.Attrs != nil {
			st := d.enemy(shortID)
			d.applyMonsterAttrs(shortID, st, delta.Attrs.Attrs)
			d.maybeRegister(shortID, st)
		}
	default:
		if delta.UUID != 0 {
			d.unknownClass(delta.UUID)
		}
	}

	if delta.Events == nil {
		return
	}
	for _, ev := range delta.Events.Events {
		d.processDamage(delta.UUID, ev)
	}
}

func (d *Dispatcher) processDamage(targetUUID uint64, ev *protocol.SyncDamageInfo) {
	attackerUUID := ev.AttackerUUID
	if ev.TopSummonerID != 0 {
		// Pet and summon damage is credited to the summoner.
		attackerUUID = ev.TopSummonerID
	}

	attackerKind, attackerID := d.classify(attackerUUID)
	targetKind, targetID := d.classify(targetUUID)

	var value uint64
	switch {
	case ev.Value != nil:
		value = *ev.Value
	case ev.LuckyValue != nil:
		value = *ev.LuckyValue
	}
	if value == 0 {
		d.EventsDropped.Add(1)
		return
	}

	if ev.TypeFlag&^uint32(0x5) != 0 {
		d.UnexpectedTypeFlags.Add(1)
	}

	out := DamageEvent{
		AttackerID:    attackerID,
		TargetID:      targetID,
		SkillID:       ev.OwnerID,
		Value:         int64(value),
		IsCrit:        ev.TypeFlag&0x1 != 0,
		IsCauseLucky:  ev.TypeFlag&0x4 != 0,
		IsMiss:        ev.IsMiss,
		IsHeal:        ev.Type == protocol.DamageTypeHeal,
		IsDead:        ev.IsDead,
		IsLucky:       ev.LuckyValue != nil,
		HPLessenValue: int64(ev.HPLessenValue),
		DamageElement: ElementName(ev.Property),
		DamageSource:  ev.DamageSource,
	}
	if ev.LuckyValue != nil {
		out.LuckyValue = int64(*ev.LuckyValue)
	}

	// Only cross-kind pairings feed the meter; player-on-player and
	// monster-on-monster records carry no ranking signal.
	switch {
	case attackerKind == kindPlayer && targetKind == kindMonster:
		d.PlayerEvents.Add(1)
		d.sink.ProcessPlayerDamage(out)
	case attackerKind == kindMonster && targetKind == kindPlayer:
		d.EnemyEvents.Add(1)
		d.sink.ProcessDamageToPlayer(out)
	default:
		d.EventsDropped.Add(1)
	}
}

func (d *Dispatcher) applyPlayerEntity(shortID uint64, ent *protocol.Entity) {
	if ent == nil || ent.Container == nil {
		return
	}
	if cb := ent.Container.CharBase; cb != nil {
		if cb.Name != "" {
			d.sink.SetName(shortID, cb.Name)
		}
		if cb.CurProfessionID != 0 {
			d.sink.SetProfession(shortID, ProfessionName(cb.CurProfessionID))
		}
		if cb.FightPoint != 0 {
			d.sink.SetFightPoint(shortID, cb.FightPoint)
		}
		if cb.Level != 0 {
			d.sink.SetLevel(shortID, cb.Level)
		}
	}
	if ent.Container.Attrs != nil {
		d.applyPlayerAttrs(shortID, ent.Container.Attrs.Attrs)
	}
}

func (d *Dispatcher) applyMonsterEntity(shortID uint64, ent *protocol.Entity) {
	st := d.enemy(shortID)
	if ent != nil && ent.Container != nil {
		if mb := ent.Container.MonsterBase; mb != nil {
			if mb.Name != "" {
				st.rawName = mb.Name
				d.sink.SetEnemyName(shortID, d.monsterName(st))
			}
			if mb.MonsterID != 0 {
				st.monsterID = mb.MonsterID
				d.sink.SetEnemyID(shortID, mb.MonsterID)
			}
			if mb.HP != 0 {
				st.hp = mb.HP
				d.sink.SetEnemyHP(shortID, mb.HP)
			}
			if mb.MaxHP != 0 {
				st.maxHP = mb.MaxHP
				d.sink.SetEnemyMaxHP(shortID, mb.MaxHP)
			}
		}
		if ent.Container.Attrs != nil {
			d.applyMonsterAttrs(shortID, st, ent.Container.Attrs.Attrs)
		}
	}
	d.maybeRegister(shortID, st)
}

// applyPlayerAttrs patches player attributes one by one. A bad blob
// drops that attribute; its siblings still apply.
func (d *Dispatcher) applyPlayerAttrs(shortID uint64, attrs []protocol.Attr) {
	for _, attr := range attrs {
		switch attr.ID {
		case protocol.AttrName:
			name, err := protocol.DecodeAttrString(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			d.sink.SetName(shortID, name)
		case protocol.AttrProfessionID:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			d.sink.SetProfession(shortID, ProfessionName(v))
		case protocol.AttrFightPoint:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			d.sink.SetFightPoint(shortID, uint64(v))
		case protocol.AttrLevel:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			d.sink.SetLevel(shortID, v)
		}
	}
}

func (d *Dispatcher) applyMonsterAttrs(shortID uint64, st *enemyState, attrs []protocol.Attr) {
	for _, attr := range attrs {
		switch attr.ID {
		case protocol.AttrName:
			name, err := protocol.DecodeAttrString(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			st.rawName = name
			d.sink.SetEnemyName(shortID, d.monsterName(st))
		case protocol.AttrMonsterID:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			st.monsterID = v
			d.sink.SetEnemyID(shortID, v)
		case protocol.AttrCurHP:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			st.hp = uint64(v)
			d.sink.SetEnemyHP(shortID, uint64(v))
		case protocol.AttrMaxHP:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			st.maxHP = uint64(v)
			d.sink.SetEnemyMaxHP(shortID, uint64(v))
		case protocol.AttrReductionLevel:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			st.reductionLevel = v
			d.sink.SetEnemyReductionLevel(shortID, v)
		case protocol.AttrReductionID:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			st.reductionID = v
			d.sink.SetEnemyReductionID(shortID, v)
		case protocol.AttrElementFlag:
			v, err := protocol.DecodeAttrUint32(attr.Data)
			if err != nil {
				d.attrError(attr.ID, err)
				continue
			}
			st.element = v
			d.sink.SetEnemyElement(shortID, ElementName(v))
		}
	}
}

// maybeRegister hands a monster to the sink once a usable name and a
// maximum hit point value are both known.
func (d *Dispatcher) maybeRegister(shortID uint64, st *enemyState) {
	if st.registered || st.rawName == "" || st.maxHP == 0 {
		return
	}
	st.registered = true
	d.sink.AddEnemy(shortID, EnemyInfo{
		Name:           d.monsterName(st),
		HP:             st.hp,
		MaxHP:          st.maxHP,
		ReductionLevel: st.reductionLevel,
		ReductionID:    st.reductionID,
		ElementFlag:    st.element,
	})
}

func (d *Dispatcher) monsterName(st *enemyState) string {
	if name, ok := d.monsterNames[st.monsterID]; ok {
		return name
	}
	return st.rawName
}

func (d *Dispatcher) enemy(shortID uint64) *enemyState {
	st, ok := d.enemies[shortID]
	if !ok {
		st = &enemyState{}
		d.enemies[shortID] = st
	}
	return st
}

func (d *Dispatcher) unknownClass(uuid uint64) {
	d.ClassificationUnknown.Add(1)
	d.logger.Debug("classification unknown",
		zap.Uint64("uuid", uuid),
		zap.Uint64("discriminator", uuid&uuidKindMask),
	)
}

func (d *Dispatcher) attrError(id uint64, err error) {
	d.AttrErrors.Add(1)
	d.logger.Debug("attribute decode failed",
		zap.Uint64("attr_id", id),
		zap.Error(err),
	)
}
