// Unit tests for the in-memory meter store
package meter

import (
	"testing"

	"github.com/properafk/properafk/pkg/dispatch"
)

func TestStoreRankings(t *testing.T) {
	s := NewStore()
	s.SetName(1, "Alice")
	s.SetProfession(1, "核能射手")
	s.SetName(2, "Bob")

	s.ProcessPlayerDamage(dispatch.DamageEvent{AttackerID: 1, TargetID: 100, Value: 300})
	s.ProcessPlayerDamage(dispatch.DamageEvent{AttackerID: 1, TargetID: 100, Value: 200, IsCrit: true})
	s.ProcessPlayerDamage(dispatch.DamageEvent{AttackerID: 2, TargetID: 100, Value: 900})

	rows := s.Rankings()
	if len(rows) != 2 {
		t.Fatalf("Expected 2 ranking rows, got %d", len(rows))
	}
	if rows[0].UID != 2 || rows[0].TotalDamage != 900 {
		t.Errorf("Expected Bob first with 900, got %+v", rows[0])
	}
	if rows[1].UID != 1 || rows[1].TotalDamage != 500 || rows[1].Crits != 1 {
		t.Errorf("Alice totals wrong: %+v", rows[1])
	}
	if rows[1].Name != "Alice" || rows[1].Profession != "核能射手" {
		t.Errorf("Profile not joined into ranking: %+v", rows[1])
	}
}

func TestStoreSeparatesHealFromDamage(t *testing.T) {
	s := NewStore()
	s.ProcessPlayerDamage(dispatch.DamageEvent{AttackerID: 1, Value: 400})
	s.ProcessPlayerDamage(dispatch.DamageEvent{AttackerID: 1, Value: 250, IsHeal: true})

	rows := s.Rankings()
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	if rows[0].TotalDamage != 400 || rows[0].TotalHeal != 250 {
		t.Errorf("Heal leaked into damage totals: %+v", rows[0])
	}
}

func TestStoreEventHook(t *testing.T) {
	s := NewStore()
	var hooked []bool
	s.SetEventHook(func(ev dispatch.DamageEvent, toPlayer bool) {
		hooked = append(hooked, toPlayer)
	})

	s.ProcessPlayerDamage(dispatch.DamageEvent{AttackerID: 1, Value: 10})
	s.ProcessDamageToPlayer(dispatch.DamageEvent{AttackerID: 5, TargetID: 1, Value: 20})

	if len(hooked) != 2 || hooked[0] != false || hooked[1] != true {
		t.Errorf("Event hook observed wrong events: %v", hooked)
	}
}

func TestStoreAddEnemy(t *testing.T) {
	s := NewStore()
	s.AddEnemy(7, dispatch.EnemyInfo{Name: "泰坦巨像", HP: 100, MaxHP: 200, ElementFlag: 4})

	s.mu.Lock()
	e := s.enemies[7]
	s.mu.Unlock()
	if e == nil || !e.Registered {
		t.Fatal("Enemy not registered")
	}
	if e.Element != "Thunder" {
		t.Errorf("Expected element Thunder, got %s", e.Element)
	}
}

func TestStoreClear(t *testing.T) {
	s := NewStore()
	s.SetName(1, "Alice")
	s.ProcessPlayerDamage(dispatch.DamageEvent{AttackerID: 1, Value: 10})
	s.Clear()

	if rows := s.Rankings(); len(rows) != 0 {
		t.Errorf("Expected empty rankings after clear, got %d rows", len(rows))
	}
}
