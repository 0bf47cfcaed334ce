// Message schemas and their wire decoders.
//
// The server encodes message bodies as protobuf. No .proto files exist
// for this protocol; the field numbers below were recovered by
// observation, so every decoder skips fields it does not know about
// and fails only the frame it is currently looking at.
package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Attr is one entry of an entity attribute collection. Data is an
// opaque blob whose layout depends on ID (see attrs.go).
type Attr struct {
	ID   uint64
	Data []byte
}

// AttrCollection is the repeated attribute container nested inside
// entity snapshots and AoI deltas.
type AttrCollection struct {
	Attrs []Attr
}

// CharBase carries the base fields of a player character.
type CharBase struct {
	Name            string
	CurProfessionID uint32
	FightPoint      uint64
	Level           uint32
}

// MonsterBase carries the base fields of a monster.
type MonsterBase struct {
	Name      string
	MonsterID uint32
	HP        uint64
	MaxHP     uint64
}

// Container wraps the per-entity payload: the attribute collection and
// at most one of the base-data messages.
type Container struct {
	Attrs       *AttrCollection
	CharBase    *CharBase
	MonsterBase *MonsterBase
}

// Entity wraps a Container.
type Entity struct {
	Container *Container
}

// NearEntity is one element of a SyncNearEntities batch.
type NearEntity struct {
	UUID   uint64
	Entity *Entity
}

// SyncNearEntities registers every entity near the local player.
type SyncNearEntities struct {
	Entities []*NearEntity
}

// SyncContainerData is a full single-entity snapshot.
type SyncContainerData struct {
	UUID   uint64
	Entity *Entity
}

// SyncContainerDirtyData is a single-entity patch; it shares the
// snapshot shape but only carries changed attributes.
type SyncContainerDirtyData struct {
	UUID   uint64
	Entity *Entity
}

// Damage type codes carried in SyncDamageInfo.Type.
const (
	DamageTypeNormal = 0
	DamageTypeHeal   = 1
)

// SyncDamageInfo is one combat event inside an AoI delta. Value and
// LuckyValue are pointers because absence is meaningful: a lucky hit
// carries only LuckyValue.
type SyncDamageInfo struct {
	OwnerID       uint64 // skill id
	AttackerUUID  uint64
	TopSummonerID uint64 // when non-zero, the logical attacker
	Value         *uint64
	LuckyValue    *uint64
	TypeFlag      uint32
	Type          uint32
	IsMiss        bool
	IsDead        bool
	HPLessenValue uint64
	Property      uint32 // element tag
	DamageSource  uint32
}

// DamageEvents is the repeated combat-event container.
type DamageEvents struct {
	Events []*SyncDamageInfo
}

// AoiSyncDelta is a per-entity batch of attribute changes and combat
// events.
type AoiSyncDelta struct {
	UUID   uint64
	Attrs  *AttrCollection
	Events *DamageEvents
}

// SyncNearDeltaInfo carries AoI deltas for nearby entities.
type SyncNearDeltaInfo struct {
	Deltas []*AoiSyncDelta
}

// SyncToMeDeltaInfo carries the local player's own AoI delta.
type SyncToMeDeltaInfo struct {
	Delta *AoiSyncDelta
}

// SyncServerTime is a clock push that additionally wraps one AoI delta.
type SyncServerTime struct {
	ServerMilliTime uint64
	Delta           *AoiSyncDelta
}

// MoveInfo is a position record recovered from movement messages.
type MoveInfo struct {
	X           int32
	Y           int32
	Z           int32
	Dir         uint32
	MoveVersion uint32
}

// walkFields iterates the protobuf fields of b. The callback receives
// the field number, wire type, and the remaining buffer; it returns how
// many bytes it consumed, or 0 to have the field skipped.
func walkFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		consumed, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
			if consumed < 0 {
				return protowire.ParseError(consumed)
			}
		}
		b = b[consumed:]
	}
	return nil
}

func consumeUvarint(b []byte, out *uint64) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = v
	return n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func decodeAttr(b []byte) (Attr, error) {
	var a Attr
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeUvarint(b, &a.ID)
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			a.Data = v
			return n, nil
		}
		return 0, nil
	})
	return a, err
}

func decodeAttrCollection(b []byte) (*AttrCollection, error) {
	c := &AttrCollection{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			a, err := decodeAttr(v)
			if err != nil {
				return 0, err
			}
			c.Attrs = append(c.Attrs, a)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeCharBase(b []byte) (*CharBase, error) {
	cb := &CharBase{}
	var tmp uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			cb.Name = string(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			n, err := consumeUvarint(b, &tmp)
			cb.CurProfessionID = uint32(tmp)
			return n, err
		case num == 3 && typ == protowire.VarintType:
			return consumeUvarint(b, &cb.FightPoint)
		case num == 4 && typ == protowire.VarintType:
			n, err := consumeUvarint(b, &tmp)
			cb.Level = uint32(tmp)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return cb, nil
}

func decodeMonsterBase(b []byte) (*MonsterBase, error) {
	mb := &MonsterBase{}
	var tmp uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			mb.Name = string(v)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			n, err := consumeUvarint(b, &tmp)
			mb.MonsterID = uint32(tmp)
			return n, err
		case num == 3 && typ == protowire.VarintType:
			return consumeUvarint(b, &mb.HP)
		case num == 4 && typ == protowire.VarintType:
			return consumeUvarint(b, &mb.MaxHP)
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return mb, nil
}

func decodeContainer(b []byte) (*Container, error) {
	c := &Container{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			c.Attrs, err = decodeAttrCollection(v)
		case 2:
			c.CharBase, err = decodeCharBase(v)
		case 3:
			c.MonsterBase, err = decodeMonsterBase(v)
		default:
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeEntity(b []byte) (*Entity, error) {
	e := &Entity{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			e.Container, err = decodeContainer(v)
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decodeNearEntity(b []byte) (*NearEntity, error) {
	ne := &NearEntity{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeUvarint(b, &ne.UUID)
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			ne.Entity, err = decodeEntity(v)
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return ne, nil
}

// DecodeSyncNearEntities decodes a bulk entity registration.
func DecodeSyncNearEntities(b []byte) (*SyncNearEntities, error) {
	msg := &SyncNearEntities{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			ne, err := decodeNearEntity(v)
			if err != nil {
				return 0, err
			}
			msg.Entities = append(msg.Entities, ne)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeSyncContainerData decodes a full single-entity snapshot.
func DecodeSyncContainerData(b []byte) (*SyncContainerData, error) {
	msg := &SyncContainerData{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeUvarint(b, &msg.UUID)
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			msg.Entity, err = decodeEntity(v)
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeSyncContainerDirtyData decodes a single-entity patch.
func DecodeSyncContainerDirtyData(b []byte) (*SyncContainerDirtyData, error) {
	full, err := DecodeSyncContainerData(b)
	if err != nil {
		return nil, err
	}
	return &SyncContainerDirtyData{UUID: full.UUID, Entity: full.Entity}, nil
}

func decodeDamageInfo(b []byte) (*SyncDamageInfo, error) {
	d := &SyncDamageInfo{}
	var tmp uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return 0, nil
		}
		switch num {
		case 1:
			return consumeUvarint(b, &d.OwnerID)
		case 2:
			return consumeUvarint(b, &d.AttackerUUID)
		case 3:
			return consumeUvarint(b, &d.TopSummonerID)
		case 4:
			n, err := consumeUvarint(b, &tmp)
			v := tmp
			d.Value = &v
			return n, err
		case 5:
			n, err := consumeUvarint(b, &tmp)
			v := tmp
			d.LuckyValue = &v
			return n, err
		case 6:
			n, err := consumeUvarint(b, &tmp)
			d.TypeFlag = uint32(tmp)
			return n, err
		case 7:
			n, err := consumeUvarint(b, &tmp)
			d.Type = uint32(tmp)
			return n, err
		case 8:
			n, err := consumeUvarint(b, &tmp)
			d.IsMiss = tmp != 0
			return n, err
		case 9:
			n, err := consumeUvarint(b, &tmp)
			d.IsDead = tmp != 0
			return n, err
		case 10:
			return consumeUvarint(b, &d.HPLessenValue)
		case 11:
			n, err := consumeUvarint(b, &tmp)
			d.Property = uint32(tmp)
			return n, err
		case 12:
			n, err := consumeUvarint(b, &tmp)
			d.DamageSource = uint32(tmp)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func decodeDamageEvents(b []byte) (*DamageEvents, error) {
	ev := &DamageEvents{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			d, err := decodeDamageInfo(v)
			if err != nil {
				return 0, err
			}
			ev.Events = append(ev.Events, d)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeAoiSyncDelta(b []byte) (*AoiSyncDelta, error) {
	d := &AoiSyncDelta{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeUvarint(b, &d.UUID)
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			d.Attrs, err = decodeAttrCollection(v)
			if err != nil {
				return 0, err
			}
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			d.Events, err = decodeDamageEvents(v)
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DecodeSyncNearDeltaInfo decodes a batch of AoI deltas.
func DecodeSyncNearDeltaInfo(b []byte) (*SyncNearDeltaInfo, error) {
	msg := &SyncNearDeltaInfo{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			d, err := decodeAoiSyncDelta(v)
			if err != nil {
				return 0, err
			}
			msg.Deltas = append(msg.Deltas, d)
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeSyncToMeDeltaInfo decodes the local player's AoI delta.
func DecodeSyncToMeDeltaInfo(b []byte) (*SyncToMeDeltaInfo, error) {
	msg := &SyncToMeDeltaInfo{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			msg.Delta, err = decodeAoiSyncDelta(v)
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeSyncServerTime decodes a server clock push and the AoI delta it
// wraps.
func DecodeSyncServerTime(b []byte) (*SyncServerTime, error) {
	msg := &SyncServerTime{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeUvarint(b, &msg.ServerMilliTime)
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			msg.Delta, err = decodeAoiSyncDelta(v)
			if err != nil {
				return 0, err
			}
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeVector3(b []byte, mv *MoveInfo) error {
	var tmp uint64
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.VarintType {
			return 0, nil
		}
		n, err := consumeUvarint(b, &tmp)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			mv.X = int32(tmp)
		case 2:
			mv.Y = int32(tmp)
		case 3:
			mv.Z = int32(tmp)
		default:
			return 0, nil
		}
		return n, nil
	})
}

// DecodeNewMove speculatively decodes a NewMove message. A nil result
// with nil error means the bytes parsed but carried no position.
func DecodeNewMove(b []byte) (*MoveInfo, error) {
	mv := &MoveInfo{}
	sawPos := false
	var tmp uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			if err := decodeVector3(v, mv); err != nil {
				return 0, err
			}
			sawPos = true
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			n, err := consumeUvarint(b, &tmp)
			mv.Dir = uint32(tmp)
			return n, err
		case num == 3 && typ == protowire.VarintType:
			n, err := consumeUvarint(b, &tmp)
			mv.MoveVersion = uint32(tmp)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !sawPos {
		return nil, nil
	}
	return mv, nil
}

// DecodeUserControlInfo speculatively decodes a UserControlInfo
// message; same contract as DecodeNewMove.
func DecodeUserControlInfo(b []byte) (*MoveInfo, error) {
	mv := &MoveInfo{}
	sawPos := false
	var tmp uint64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			if err := decodeVector3(v, mv); err != nil {
				return 0, err
			}
			sawPos = true
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			n, err := consumeUvarint(b, &tmp)
			mv.Dir = uint32(tmp)
			return n, err
		case num == 4 && typ == protowire.VarintType:
			n, err := consumeUvarint(b, &tmp)
			mv.MoveVersion = uint32(tmp)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !sawPos {
		return nil, nil
	}
	return mv, nil
}
