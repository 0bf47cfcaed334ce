// Package meter is the default in-memory sink: it keeps per-entity
// profiles and running damage/healing totals and can snapshot rankings
// on demand. External consumers are free to inject a different Sink;
// this one exists so the agent has something to show.
package meter

import (
	"sort"
	"sync"
	"time"

	"github.com/properafk/properafk/pkg/dispatch"
)

// PlayerProfile is the mutable view of a player entity.
type PlayerProfile struct {
	Name       string
	Profession string
	FightPoint uint64
	Level      uint32
}

// EnemyProfile is the mutable view of a monster entity.
type EnemyProfile struct {
	Name           string
	MonsterID      uint32
	HP             uint64
	MaxHP          uint64
	ReductionLevel uint32
	ReductionID    uint32
	Element        string
	Registered     bool
}

// combatTotals accumulates one attacker's output.
type combatTotals struct {
	damage    int64
	heal      int64
	hits      uint64
	crits     uint64
	lucky     uint64
	misses    uint64
	firstHit  time.Time
	lastHit   time.Time
}

// Ranking is one row of a DPS/HPS snapshot.
type Ranking struct {
	UID         uint64
	Name        string
	Profession  string
	TotalDamage int64
	TotalHeal   int64
	Hits        uint64
	Crits       uint64
	Lucky       uint64
	DPS         float64
	HPS         float64
}

// EventHook observes every accepted combat event. toPlayer is true for
// monster-on-player events. Used by the agent to tee events into the
// archive writer.
type EventHook func(ev dispatch.DamageEvent, toPlayer bool)

// Store implements dispatch.Sink with a mutex so HTTP readers and the
// capture goroutine can share it.
type Store struct {
	mu      sync.Mutex
	players map[uint64]*PlayerProfile
	enemies map[uint64]*EnemyProfile
	dealt   map[uint64]*combatTotals
	taken   map[uint64]*combatTotals
	pos     dispatch.Position
	hook    EventHook
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		players: make(map[uint64]*PlayerProfile),
		enemies: make(map[uint64]*EnemyProfile),
		dealt:   make(map[uint64]*combatTotals),
		taken:   make(map[uint64]*combatTotals),
	}
}

// SetEventHook installs a hook observing accepted combat events. Must
// be called before the pipeline starts.
func (s *Store) SetEventHook(hook EventHook) {
	s.hook = hook
}

// Clear drops all accumulated state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players = make(map[uint64]*PlayerProfile)
	s.enemies = make(map[uint64]*EnemyProfile)
	s.dealt = make(map[uint64]*combatTotals)
	s.taken = make(map[uint64]*combatTotals)
	s.pos = dispatch.Position{}
}

func (s *Store) player(uid uint64) *PlayerProfile {
	p, ok := s.players[uid]
	if !ok {
		p = &PlayerProfile{}
		s.players[uid] = p
	}
	return p
}

func (s *Store) enemy(uid uint64) *EnemyProfile {
	e, ok := s.enemies[uid]
	if !ok {
		e = &EnemyProfile{}
		s.enemies[uid] = e
	}
	return e
}

// SetName implements dispatch.Sink.
func (s *Store) SetName(uid uint64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.player(uid).Name = name
}

// SetProfession implements dispatch.Sink.
func (s *Store) SetProfession(uid uint64, profession string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.player(uid).Profession = profession
}

// SetFightPoint implements dispatch.Sink.
func (s *Store) SetFightPoint(uid uint64, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.player(uid).FightPoint = value
}

// SetLevel implements dispatch.Sink.
func (s *Store) SetLevel(uid uint64, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.player(uid).Level = value
}

// SetEnemyName implements dispatch.Sink.
func (s *Store) SetEnemyName(uid uint64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enemy(uid).Name = name
}

// SetEnemyID implements dispatch.Sink.
func (s *Store) SetEnemyID(uid uint64, id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enemy(uid).MonsterID = id
}

// SetEnemyHP implements dispatch.Sink.
func (s *Store) SetEnemyHP(uid uint64, hp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enemy(uid).HP = hp
}

// SetEnemyMaxHP implements dispatch.Sink.
func (s *Store) SetEnemyMaxHP(uid uint64, maxHP uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enemy(uid).MaxHP = maxHP
}

// SetEnemyReductionLevel implements dispatch.Sink.
func (s *Store) SetEnemyReductionLevel(uid uint64, level uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enemy(uid).ReductionLevel = level
}

// SetEnemyReductionID implements dispatch.Sink.
func (s *Store) SetEnemyReductionID(uid uint64, id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enemy(uid).ReductionID = id
}

// SetEnemyElement implements dispatch.Sink.
func (s *Store) SetEnemyElement(uid uint64, element string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enemy(uid).Element = element
}

// AddEnemy implements dispatch.Sink.
func (s *Store) AddEnemy(uid uint64, info dispatch.EnemyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.enemy(uid)
	e.Name = info.Name
	e.HP = info.HP
	e.MaxHP = info.MaxHP
	e.ReductionLevel = info.ReductionLevel
	e.ReductionID = info.ReductionID
	e.Element = dispatch.ElementName(info.ElementFlag)
	e.Registered = true
}

// ProcessPlayerDamage implements dispatch.Sink.
func (s *Store) ProcessPlayerDamage(ev dispatch.DamageEvent) {
	s.record(s.dealt, ev.AttackerID, ev)
	if s.hook != nil {
		s.hook(ev, false)
	}
}

// ProcessDamageToPlayer implements dispatch.Sink.
func (s *Store) ProcessDamageToPlayer(ev dispatch.DamageEvent) {
	s.record(s.taken, ev.TargetID, ev)
	if s.hook != nil {
		s.hook(ev, true)
	}
}

// SetLocalPosition implements dispatch.Sink.
func (s *Store) SetLocalPosition(pos dispatch.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = pos
}

// LocalPosition returns the last published local-player position.
func (s *Store) LocalPosition() dispatch.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Store) record(table map[uint64]*combatTotals, uid uint64, ev dispatch.DamageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := table[uid]
	if !ok {
		t = &combatTotals{firstHit: time.Now()}
		table[uid] = t
	}
	t.lastHit = time.Now()
	t.hits++
	if ev.IsHeal {
		t.heal += ev.Value
	} else {
		t.damage += ev.Value
	}
	if ev.IsCrit {
		t.crits++
	}
	if ev.IsLucky {
		t.lucky++
	}
	if ev.IsMiss {
		t.misses++
	}
}

// Rankings returns damage-dealt rows sorted by total damage, DPS
// computed over each attacker's own active window.
func (s *Store) Rankings() []Ranking {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]Ranking, 0, len(s.dealt))
	for uid, t := range s.dealt {
		row := Ranking{
			UID:         uid,
			TotalDamage: t.damage,
			TotalHeal:   t.heal,
			Hits:        t.hits,
			Crits:       t.crits,
			Lucky:       t.lucky,
		}
		if p, ok := s.players[uid]; ok {
			row.Name = p.Name
			row.Profession = p.Profession
		}
		window := t.lastHit.Sub(t.firstHit).Seconds()
		if window < 1 {
			window = 1
		}
		row.DPS = float64(t.damage) / window
		row.HPS = float64(t.heal) / window
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].TotalDamage > rows[j].TotalDamage
	})
	return rows
}
