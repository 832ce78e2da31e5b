package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func serverMsg(id, text string, sender SenderType, offset time.Duration) ChatMessage {
	return ChatMessage{ID: id, SessionID: "s1", Message: text, SenderType: sender, Timestamp: t0.Add(offset)}
}

func assertUniqueIDs(t *testing.T, list []ChatMessage) {
	t.Helper()
	seen := map[string]bool{}
	for _, m := range list {
		assert.Falsef(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func assertOrdered(t *testing.T, list []ChatMessage) {
	t.Helper()
	for i := 1; i < len(list); i++ {
		assert.Falsef(t, list[i].Timestamp.Before(list[i-1].Timestamp), "entry %d out of order", i)
	}
}

func TestMergeMessagesDeduplicatesOverlap(t *testing.T) {
	history := []ChatMessage{
		serverMsg("m1", "hello", SenderUser, 0),
		serverMsg("m2", "hi, how can I help?", SenderAgent, time.Second),
	}
	live := []ChatMessage{
		serverMsg("m2", "hi, how can I help?", SenderAgent, time.Second),
		serverMsg("m3", "looking for a job", SenderUser, 2*time.Second),
		serverMsg("m3", "looking for a job", SenderUser, 2*time.Second),
	}

	merged := MergeMessages(history, live...)
	require.Len(t, merged, 3)
	assertUniqueIDs(t, merged)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(merged))
	for _, m := range merged {
		assert.Equal(t, MessageSent, m.Status)
	}
	assert.Len(t, history, 2, "canonical slice must not grow")
}

func TestMergeMessagesPropertyAnyArrivalOrder(t *testing.T) {
	all := []ChatMessage{
		serverMsg("m1", "a", SenderUser, 0),
		serverMsg("m2", "b", SenderAgent, 2*time.Second),
		serverMsg("m3", "c", SenderUser, time.Second),
		serverMsg("m4", "d", SenderUser, 3*time.Second),
		serverMsg("m5", "e", SenderAgent, 3*time.Second),
	}
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		restCut := rng.Intn(len(all) + 1)
		rest := append([]ChatMessage(nil), all[:restCut]...)
		live := make([]ChatMessage, 0, len(all)*2)
		for _, m := range all {
			if rng.Intn(2) == 0 {
				live = append(live, m)
			}
		}
		live = append(live, all[rng.Intn(len(all))])
		rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })

		var merged []ChatMessage
		if rng.Intn(2) == 0 {
			merged = MergeMessages(MergeMessages(nil, live...), rest...)
		} else {
			merged = MergeMessages(MergeMessages(nil, rest...), live...)
		}
		assertUniqueIDs(t, merged)
		assertOrdered(t, merged)
	}
}

func TestMergeMessagesReconcilesOptimisticByContent(t *testing.T) {
	history := []ChatMessage{serverMsg("m1", "hello", SenderUser, 0)}
	pending := NewOptimisticMessage("s1", "admin-1", "we have openings", SenderAgent, t0.Add(time.Second))
	require.True(t, IsTempID(pending.ID))

	list := MergeMessages(history, pending)
	require.Len(t, list, 2)
	assert.Equal(t, MessageSending, list[1].Status)

	echo := serverMsg("m2", "we have openings", SenderAgent, 1500*time.Millisecond)
	list = MergeMessages(list, echo)
	require.Len(t, list, 2)
	assert.Equal(t, "m2", list[1].ID)
	assert.Equal(t, MessageSent, list[1].Status)

	list = MergeMessages(list, echo)
	assert.Len(t, list, 2)
}

func TestMergeMessagesReconcilesByClientMessageID(t *testing.T) {
	first := NewOptimisticMessage("s1", "admin-1", "ok", SenderAgent, t0)
	second := NewOptimisticMessage("s1", "admin-1", "ok", SenderAgent, t0.Add(time.Second))
	list := MergeMessages(nil, first, second)

	echo := serverMsg("m9", "ok", SenderAgent, 1100*time.Millisecond)
	echo.ClientMessageID = second.ID
	list = MergeMessages(list, echo)

	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, MessageSending, list[0].Status)
	assert.Equal(t, "m9", list[1].ID)
}

func TestMergeMessagesDropsPendingWhenRecordAlreadyKnown(t *testing.T) {
	pending := NewOptimisticMessage("s1", "admin-1", "ping", SenderAgent, t0)
	record := serverMsg("m1", "ping", SenderAgent, time.Second)
	record.ClientMessageID = pending.ID

	list := MergeMessages([]ChatMessage{record}, pending)
	require.Len(t, list, 2)

	list = MergeMessages(list, record)
	require.Len(t, list, 1)
	assert.Equal(t, "m1", list[0].ID)
}

func TestMergeMessagesUserTextDoesNotConsumeAgentPending(t *testing.T) {
	pending := NewOptimisticMessage("s1", "admin-1", "thanks", SenderAgent, t0)
	list := MergeMessages(nil, pending, serverMsg("m1", "thanks", SenderUser, time.Second))
	require.Len(t, list, 2)
	assert.True(t, IsTempID(list[0].ID))
}

func ids(list []ChatMessage) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}
