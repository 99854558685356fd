package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctxBG = context.Background()

func TestParseState(t *testing.T) {
	st, err := ParseState("report_selected")
	require.NoError(t, err)
	assert.Equal(t, StateReportSelected, st)

	_, err = ParseState("definitely_not_a_state")
	assert.ErrorIs(t, err, ErrUnknownState)

	_, err = ParseState("")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestStateValid(t *testing.T) {
	assert.True(t, StateReceiptStarted.Valid())
	assert.False(t, State("receipt_done").Valid())
}

func TestStatesCoverAllTags(t *testing.T) {
	tags := map[State]bool{}
	for _, st := range States() {
		tags[st] = true
	}
	assert.Len(t, tags, 12)
	assert.True(t, tags[StateShowCommands])
	assert.True(t, tags[StateEditQueryPrompt])
	assert.True(t, tags[StateReceiptProjectSelected])
}

func TestSessionJSONRoundTrip(t *testing.T) {
	in := Session{
		ChatID:        42,
		Name:          "alice",
		FullName:      "Alice A",
		State:         StateReportChosenForEdit,
		PendingValue:  7,
		ReportID:      3,
		LastMessageID: 1001,
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Session
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestRepeatedGetReturnsSameSession(t *testing.T) {
	store := NewMemoryStore()
	in := Session{
		ChatID:        42,
		State:         StateReportChosenForEdit,
		PendingValue:  7,
		ReportID:      3,
		LastMessageID: 1001,
	}
	require.NoError(t, store.Put(ctxBG, &in))

	first, err := store.Get(ctxBG, 42)
	require.NoError(t, err)
	second, err := store.Get(ctxBG, 42)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Get hands out a copy: mutating it must not leak into the store.
	first.PendingValue = 99
	third, err := store.Get(ctxBG, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(7), third.PendingValue)
}

func TestSessionJSONKeys(t *testing.T) {
	raw, err := json.Marshal(Session{ChatID: 1, State: StateShowReports})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "show_reports", m["bot_state"])
	assert.NotContains(t, m, "bot_state_value")
}
