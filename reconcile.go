package staffline

import (
	"sort"
	"time"
)

// The functions below are pure: they never modify their input slice and
// always return a fresh one. In-session appends keep arrival order; only a
// full history load is ordered by the server timestamp.

func indexOf(list []Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneMessages(list []Message) []Message {
	return append(make([]Message, 0, len(list)+1), list...)
}

// appendPending appends an optimistic entry at the end of the list.
func appendPending(list []Message, msg Message) []Message {
	msg.State = Pending
	return append(cloneMessages(list), msg)
}

// confirmPending swaps the temporary id and timestamp of tempID for the
// server-confirmed values, in place. If the confirmed id is already present
// (it arrived by another path first) the pending entry is dropped instead.
// The second return is false when tempID is not in the list.
func confirmPending(list []Message, tempID string, receipt Receipt) ([]Message, bool) {
	i := indexOf(list, tempID)
	if i < 0 {
		return list, false
	}
	if j := indexOf(list, receipt.ID); j >= 0 && j != i {
		return rollbackPending(list, tempID), true
	}
	out := cloneMessages(list)
	out[i].ID = receipt.ID
	if !receipt.CreatedAt.IsZero() {
		out[i].CreatedAt = receipt.CreatedAt
	}
	out[i].State = Confirmed
	return out, true
}

// rollbackPending removes the entry keyed by tempID.
func rollbackPending(list []Message, tempID string) []Message {
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if m.ID == tempID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// appendUnique appends msg unless a message with the same id is present.
func appendUnique(list []Message, msg Message) ([]Message, bool) {
	if indexOf(list, msg.ID) >= 0 {
		return list, false
	}
	msg.State = Confirmed
	return append(cloneMessages(list), msg), true
}

// markReadLocal flips the read flag on messages not sent by readerID.
func markReadLocal(list []Message, readerID string) []Message {
	out := cloneMessages(list)
	for i := range out {
		if out[i].SenderID != readerID {
			out[i].Read = true
		}
	}
	return out
}

// sortHistory orders a loaded history by creation timestamp, stable on ties.
func sortHistory(list []Message) []Message {
	out := cloneMessages(list)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	for i := range out {
		out[i].State = Confirmed
	}
	return out
}

// countUnread counts messages not yet read by readerID.
func countUnread(list []Message, readerID string) int {
	n := 0
	for _, m := range list {
		if !m.Read && m.SenderID != readerID {
			n++
		}
	}
	return n
}

func summarize(m Message) *MessageSummary {
	at := m.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return &MessageSummary{SenderID: m.SenderID, Content: m.Content, CreatedAt: at}
}
