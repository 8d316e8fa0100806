// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

func newSelector(t *testing.T, r Rules) *RuleSelector {
	t.Helper()
	s, err := NewRuleSelector(r, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return s
}

func TestRuleSelector_Select(t *testing.T) {
	tests := []struct {
		name string
		req  datatypes.ValidatedRequest
		want string
	}{
		{
			name: "default",
			req:  datatypes.ValidatedRequest{},
			want: "DeepSeek-V3",
		},
		{
			name: "requested model",
			req:  datatypes.ValidatedRequest{Model: "Llama-3.3-70B"},
			want: "Llama-3.3-70B",
		},
		{
			name: "deep think keyword beats requested model",
			req:  datatypes.ValidatedRequest{Model: "x", SystemPrompt: "please deep_think about it"},
			want: "Deepseek-r1",
		},
		{
			name: "attachments beat everything",
			req: datatypes.ValidatedRequest{
				Model:        "x",
				SystemPrompt: "deep_think",
				Attachments:  []string{"uploads/u1/1_cat.png"},
			},
			want: "gpt-4o",
		},
	}

	s := newSelector(t, DefaultRules())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Select(&tt.req))
		})
	}
}

func TestRuleSelector_AllowedModels(t *testing.T) {
	rules := DefaultRules()
	rules.AllowedModels = []string{"DeepSeek-V3", "Phi-4"}
	s := newSelector(t, rules)

	assert.Equal(t, "Phi-4", s.Select(&datatypes.ValidatedRequest{Model: "Phi-4"}))
	assert.Equal(t, "DeepSeek-V3", s.Select(&datatypes.ValidatedRequest{Model: "not-allowed"}))
}

func TestRuleSelector_DisabledRules(t *testing.T) {
	s := newSelector(t, Rules{DefaultModel: "m"})

	req := &datatypes.ValidatedRequest{
		SystemPrompt: "deep_think",
		Attachments:  []string{"uploads/u1/a.png"},
	}
	assert.Equal(t, "m", s.Select(req))
}

func TestRuleSelector_Update(t *testing.T) {
	s := newSelector(t, DefaultRules())

	err := s.Update(Rules{DefaultModel: "Phi-4"})
	require.NoError(t, err)
	assert.Equal(t, "Phi-4", s.Select(&datatypes.ValidatedRequest{}))

	err = s.Update(Rules{})
	assert.Error(t, err)
	assert.Equal(t, "Phi-4", s.Rules().DefaultModel)
}

func TestRules_Validate(t *testing.T) {
	assert.NoError(t, DefaultRules().Validate())
	assert.Error(t, Rules{}.Validate())
	assert.Error(t, Rules{DefaultModel: "m", DeepThinkKeyword: "think"}.Validate())
	assert.Error(t, Rules{DefaultModel: "m", AllowedModels: []string{""}}.Validate())
}

func TestRuleSelector_ConcurrentUpdate(t *testing.T) {
	s := newSelector(t, DefaultRules())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Update(Rules{DefaultModel: "a"})
		}()
		go func() {
			defer wg.Done()
			got := s.Select(&datatypes.ValidatedRequest{})
			assert.Contains(t, []string{"a", "DeepSeek-V3"}, got)
		}()
	}
	wg.Wait()
}

func TestFixed(t *testing.T) {
	assert.Equal(t, "m", Fixed("m").Select(&datatypes.ValidatedRequest{Model: "other"}))
}
