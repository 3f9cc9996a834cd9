package background

import (
	"context"
	"testing"
	"time"
)

func queuedTask(conversationID string, priority Priority, createdAt time.Time) *task {
	ctx, cancel := context.WithCancel(context.Background())
	return &task{
		id:             "task_" + conversationID,
		conversationID: conversationID,
		priority:       priority,
		createdAt:      createdAt,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func popOrder(q *taskQueue) []string {
	var order []string
	for q.len() > 0 {
		order = append(order, q.pop().conversationID)
	}
	return order
}

func TestInsertPriorityOrder(t *testing.T) {
	now := time.Now()
	q := &taskQueue{}
	q.insert(queuedTask("low", PriorityLow, now))
	q.insert(queuedTask("high", PriorityHigh, now))
	q.insert(queuedTask("normal-1", PriorityNormal, now))
	q.insert(queuedTask("urgent", PriorityUrgent, now))
	q.insert(queuedTask("normal-2", PriorityNormal, now))

	want := []string{"urgent", "high", "normal-1", "normal-2", "low"}
	got := popOrder(q)
	if len(got) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEvictLowestPrefersNewest(t *testing.T) {
	now := time.Now()
	q := &taskQueue{}
	q.insert(queuedTask("low-old", PriorityLow, now.Add(-time.Minute)))
	q.insert(queuedTask("high", PriorityHigh, now))
	q.insert(queuedTask("low-new", PriorityLow, now))

	evicted := q.evictLowest()
	if evicted == nil || evicted.conversationID != "low-new" {
		t.Fatalf("expected low-new evicted, got %v", evicted)
	}
	if q.len() != 2 {
		t.Errorf("expected 2 tasks left, got %d", q.len())
	}
}

func TestEvictLowestEmpty(t *testing.T) {
	q := &taskQueue{}
	if evicted := q.evictLowest(); evicted != nil {
		t.Errorf("expected nil from empty queue, got %v", evicted)
	}
}

func TestRemoveConversation(t *testing.T) {
	now := time.Now()
	q := &taskQueue{}
	q.insert(queuedTask("a", PriorityNormal, now))
	q.insert(queuedTask("b", PriorityNormal, now))
	q.insert(queuedTask("a", PriorityHigh, now))

	removed := q.removeConversation("a")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if q.len() != 1 || q.position("b") != 1 {
		t.Errorf("expected only b left at position 1")
	}
}

func TestPosition(t *testing.T) {
	now := time.Now()
	q := &taskQueue{}
	q.insert(queuedTask("first", PriorityNormal, now))
	q.insert(queuedTask("second", PriorityNormal, now))

	if pos := q.position("second"); pos != 2 {
		t.Errorf("expected position 2, got %d", pos)
	}
	if pos := q.position("missing"); pos != 0 {
		t.Errorf("expected position 0 for missing conversation, got %d", pos)
	}
}

func TestBoostWaitingSingleLevel(t *testing.T) {
	now := time.Now()
	q := &taskQueue{}
	stale := queuedTask("stale", PriorityLow, now.Add(-time.Minute))
	fresh := queuedTask("fresh", PriorityNormal, now)
	q.insert(fresh)
	q.insert(stale)

	q.boostWaiting(now, 10*time.Second)

	if stale.priority != PriorityNormal {
		t.Errorf("expected stale boosted to normal, got %s", stale.priority)
	}
	if fresh.priority != PriorityNormal {
		t.Errorf("fresh task should not be boosted, got %s", fresh.priority)
	}

	// A second pass must not boost the same task again.
	q.boostWaiting(now, 10*time.Second)
	if stale.priority != PriorityNormal {
		t.Errorf("boost must apply once, got %s", stale.priority)
	}
}

func TestBoostWaitingCappedAtUrgent(t *testing.T) {
	now := time.Now()
	q := &taskQueue{}
	urgent := queuedTask("urgent", PriorityUrgent, now.Add(-time.Minute))
	q.insert(urgent)

	q.boostWaiting(now, 10*time.Second)
	if urgent.priority != PriorityUrgent {
		t.Errorf("urgent must stay urgent, got %s", urgent.priority)
	}
}

func TestBoostReordersQueue(t *testing.T) {
	now := time.Now()
	q := &taskQueue{}
	q.insert(queuedTask("normal", PriorityNormal, now))
	q.insert(queuedTask("starved", PriorityNormal, now.Add(-time.Minute)))

	// starved arrived later logically (inserted after), so it sits behind
	// normal at equal priority; the boost moves it ahead.
	q.boostWaiting(now, 10*time.Second)

	got := popOrder(q)
	if got[0] != "starved" || got[1] != "normal" {
		t.Errorf("expected boosted task first, got %v", got)
	}
}
