// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateOngoing, true},
		{StatePending, StateCompleted, true},
		{StatePending, StateFailed, true},
		{StatePending, StatePending, true},
		{StateOngoing, StateCompleted, true},
		{StateOngoing, StateFailed, true},
		{StateOngoing, StateOngoing, true},
		{StateOngoing, StatePending, false},
		{StateCompleted, StateFailed, false},
		{StateCompleted, StateCompleted, false},
		{StateFailed, StatePending, false},
		{StateFailed, StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateOngoing.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, State("cancelled").Valid())
}

func TestPayload_CloneIsDeep(t *testing.T) {
	p := Payload{"nested": map[string]any{"k": []any{1, 2}}, "n": 3}
	c := p.Clone()

	c["nested"].(map[string]any)["k"] = "changed"
	assert.Equal(t, []any{1, 2}, p["nested"].(map[string]any)["k"])
	assert.Equal(t, 3.0, c["n"], "numbers are normalized to float64")
}

func TestPayload_MergeAndEqual(t *testing.T) {
	p := Payload{"a": 1, "b": "x"}
	merged := p.Merge(Payload{"b": "y", "c": true})

	assert.True(t, merged.Equal(Payload{"a": 1.0, "b": "y", "c": true}))
	assert.True(t, p.Equal(Payload{"b": "x", "a": 1}), "key order and number type do not matter")
	assert.False(t, p.Equal(merged))
	assert.True(t, Payload(nil).Equal(Payload{}))
}

func TestPayload_Errors(t *testing.T) {
	p := Payload{}
	p = p.WithError(ErrorRecord{Reason: "First", Message: "one"})
	p = p.WithError(ErrorRecord{Reason: "Second", Message: "two"})

	assert.Equal(t, []ErrorRecord{
		{Reason: "First", Message: "one"},
		{Reason: "Second", Message: "two"},
	}, p.Errors())
	assert.Empty(t, Payload{"errors": "garbage"}.Errors())
	assert.Equal(t, "First,Second", p.ErrorReasons())
	assert.Empty(t, Payload{}.ErrorReasons())
}

func TestDecodeEncodePayload(t *testing.T) {
	type typed struct {
		Tries  int      `json:"tries"`
		Values []string `json:"values,omitempty"`
	}

	var out typed
	require.NoError(t, DecodePayload(Payload{"tries": 2.0, "extra": "ignored"}, &out))
	assert.Equal(t, typed{Tries: 2}, out)

	p, err := EncodePayload(typed{Tries: 3, Values: []string{"a"}})
	require.NoError(t, err)
	assert.True(t, p.Equal(Payload{"tries": 3, "values": []any{"a"}}))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("run_test", Payload{"x": 1})
	assert.Equal(t, a, Fingerprint("run_test", Payload{"x": 1.0}))
	assert.NotEqual(t, a, Fingerprint("read_value", Payload{"x": 1}))
	assert.NotEqual(t, a, Fingerprint("run_test", Payload{"x": 2}))
}

func TestTask_Clone(t *testing.T) {
	orig := &Task{ID: "a", Payload: Payload{"k": "v"}, Dependencies: []string{"b"}}
	c := orig.Clone()
	c.Payload["k"] = "changed"
	c.Dependencies[0] = "z"

	assert.Equal(t, "v", orig.Payload["k"])
	assert.Equal(t, "b", orig.Dependencies[0])
	assert.Nil(t, (*Task)(nil).Clone())
}
