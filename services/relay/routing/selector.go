// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing decides which upstream model serves a request.
package routing

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// Selector picks the model identifier for a validated request.
type Selector interface {
	Select(req *datatypes.ValidatedRequest) string
}

// Rules drive RuleSelector. They are loaded from the routing section of the
// config file and can be swapped at runtime.
//
// # Fields
//
//   - DefaultModel: Used when no other rule matches.
//   - AttachmentModel: Used when the request carries attachments. Empty
//     disables the rule.
//   - DeepThinkKeyword: Substring of the system prompt that selects
//     DeepThinkModel. Empty disables the rule.
//   - DeepThinkModel: Model for the keyword rule.
//   - AllowedModels: When non-empty, a requested model outside this list is
//     ignored and the default is used.
type Rules struct {
	DefaultModel     string   `yaml:"default_model" validate:"required,max=128"`
	AttachmentModel  string   `yaml:"attachment_model" validate:"max=128"`
	DeepThinkKeyword string   `yaml:"deep_think_keyword"`
	DeepThinkModel   string   `yaml:"deep_think_model" validate:"required_with=DeepThinkKeyword,max=128"`
	AllowedModels    []string `yaml:"allowed_models" validate:"omitempty,dive,required"`
}

// DefaultRules mirrors the heuristics of the chat form: images go to a
// vision model, "deep_think" prompts go to the reasoning model.
func DefaultRules() Rules {
	return Rules{
		DefaultModel:     datatypes.DefaultModel,
		AttachmentModel:  "gpt-4o",
		DeepThinkKeyword: "deep_think",
		DeepThinkModel:   "Deepseek-r1",
	}
}

var rulesValidate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports the first rule that cannot be applied.
func (r Rules) Validate() error {
	if err := rulesValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid routing rules: %w", err)
	}
	return nil
}

// RuleSelector applies Rules in a fixed order:
//
//  1. attachments present -> AttachmentModel
//  2. system prompt contains DeepThinkKeyword -> DeepThinkModel
//  3. request names a model -> that model
//  4. DefaultModel
//
// # Thread Safety
//
// Select and Update may be called concurrently. A request sees either the
// old or the new rule set, never a mix.
type RuleSelector struct {
	rules  atomic.Pointer[Rules]
	logger *slog.Logger
}

// NewRuleSelector validates r and returns a selector using it.
func NewRuleSelector(r Rules, logger *slog.Logger) (*RuleSelector, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &RuleSelector{logger: logger}
	s.rules.Store(cloneRules(r))
	return s, nil
}

func (s *RuleSelector) Select(req *datatypes.ValidatedRequest) string {
	r := s.rules.Load()

	if len(req.Attachments) > 0 && r.AttachmentModel != "" {
		return r.AttachmentModel
	}
	if r.DeepThinkKeyword != "" && strings.Contains(req.SystemPrompt, r.DeepThinkKeyword) {
		return r.DeepThinkModel
	}
	if req.Model != "" {
		if len(r.AllowedModels) == 0 || slices.Contains(r.AllowedModels, req.Model) {
			return req.Model
		}
		s.logger.Debug("Requested model not allowed, using default",
			"requested", req.Model,
			"default", r.DefaultModel)
	}
	return r.DefaultModel
}

// Update swaps in a new rule set. Invalid rules are rejected and the
// current set stays in effect.
func (s *RuleSelector) Update(r Rules) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.rules.Store(cloneRules(r))
	s.logger.Info("Model routing rules updated",
		"default_model", r.DefaultModel,
		"attachment_model", r.AttachmentModel,
		"deep_think_model", r.DeepThinkModel)
	return nil
}

// Rules returns a copy of the active rule set.
func (s *RuleSelector) Rules() Rules {
	return *cloneRules(*s.rules.Load())
}

func cloneRules(r Rules) *Rules {
	r.AllowedModels = slices.Clone(r.AllowedModels)
	return &r
}

// Fixed always returns the same model.
type Fixed string

func (f Fixed) Select(*datatypes.ValidatedRequest) string { return string(f) }

var (
	_ Selector = (*RuleSelector)(nil)
	_ Selector = Fixed("")
)
