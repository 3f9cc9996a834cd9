package background

import (
	"sort"
	"time"
)

// taskQueue is a priority-ordered pending list. All methods assume the
// orchestrator's lock is held; the queue itself does no locking.
type taskQueue struct {
	items []*task
}

func (q *taskQueue) len() int {
	return len(q.items)
}

// insert places t before the first queued task of strictly lower priority,
// so tasks of equal priority keep arrival order.
func (q *taskQueue) insert(t *task) {
	pos := len(q.items)
	for i, existing := range q.items {
		if existing.priority < t.priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = t
}

// pop removes and returns the head task, or nil when empty.
func (q *taskQueue) pop() *task {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

// lowestPriority returns the minimum priority among queued tasks, or 0
// when the queue is empty.
func (q *taskQueue) lowestPriority() Priority {
	var lowest Priority
	for _, t := range q.items {
		if lowest == 0 || t.priority < lowest {
			lowest = t.priority
		}
	}
	return lowest
}

// evictLowest removes and returns the newest task among those with the
// lowest priority, or nil when empty.
func (q *taskQueue) evictLowest() *task {
	if len(q.items) == 0 {
		return nil
	}
	idx := 0
	for i, t := range q.items {
		if t.priority <= q.items[idx].priority {
			idx = i
		}
	}
	t := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	return t
}

// removeConversation filters out all queued tasks for a conversation and
// returns them.
func (q *taskQueue) removeConversation(conversationID string) []*task {
	var removed []*task
	kept := q.items[:0]
	for _, t := range q.items {
		if t.conversationID == conversationID {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}

// position returns the 1-based queue position for a conversation, or 0.
func (q *taskQueue) position(conversationID string) int {
	for i, t := range q.items {
		if t.conversationID == conversationID {
			return i + 1
		}
	}
	return 0
}

// boostWaiting raises the priority of tasks that have waited past the
// threshold by one level, once per task, capped at urgent, then restores
// priority order without disturbing arrival order within a level.
func (q *taskQueue) boostWaiting(now time.Time, threshold time.Duration) {
	if threshold <= 0 {
		return
	}
	changed := false
	for _, t := range q.items {
		if t.boosted || now.Sub(t.createdAt) < threshold {
			continue
		}
		t.boosted = true
		if t.priority < PriorityUrgent {
			t.priority++
			changed = true
		}
	}
	if changed {
		sort.SliceStable(q.items, func(i, j int) bool {
			return q.items[i].priority > q.items[j].priority
		})
	}
}

// drainAll empties the queue and returns everything that was pending.
func (q *taskQueue) drainAll() []*task {
	items := q.items
	q.items = nil
	return items
}

// waitTimes returns the current wait duration of every queued task.
func (q *taskQueue) waitTimes(now time.Time) []time.Duration {
	waits := make([]time.Duration, len(q.items))
	for i, t := range q.items {
		waits[i] = now.Sub(t.createdAt)
	}
	return waits
}
