package dispatch

// DamageEvent is one combat event after classification. Attacker and
// target are short ids (entity uuid >> 16); values stay 64-bit until a
// sink narrows them.
type DamageEvent struct {
	AttackerID    uint64
	TargetID      uint64
	SkillID       uint64
	Value         int64
	LuckyValue    int64
	IsCrit        bool
	IsCauseLucky  bool
	IsMiss        bool
	IsHeal        bool
	IsDead        bool
	IsLucky       bool
	HPLessenValue int64
	DamageElement string
	DamageSource  uint32
}

// EnemyInfo is the registration payload for a monster once its name and
// maximum hit points are known.
type EnemyInfo struct {
	Name           string
	HP             uint64
	MaxHP          uint64
	ReductionLevel uint32
	ReductionID    uint32
	ElementFlag    uint32
}

// Position is the local player's position as recovered from movement
// messages.
type Position struct {
	UID         uint64
	X           int32
	Y           int32
	Z           int32
	Dir         uint32
	MoveVersion uint32
}

// Sink receives entity updates and combat events. It is an injected
// collaborator; its locking and aggregation rules are its own concern.
// All calls arrive from the capture goroutine.
type Sink interface {
	SetName(uid uint64, name string)
	SetProfession(uid uint64, profession string)
	SetFightPoint(uid uint64, value uint64)
	SetLevel(uid uint64, value uint32)

	SetEnemyName(uid uint64, name string)
	SetEnemyID(uid uint64, id uint32)
	SetEnemyHP(uid uint64, hp uint64)
	SetEnemyMaxHP(uid uint64, maxHP uint64)
	SetEnemyReductionLevel(uid uint64, level uint32)
	SetEnemyReductionID(uid uint64, id uint32)
	SetEnemyElement(uid uint64, element string)
	AddEnemy(uid uint64, info EnemyInfo)

	ProcessPlayerDamage(ev DamageEvent)
	ProcessDamageToPlayer(ev DamageEvent)

	SetLocalPosition(pos Position)
}
