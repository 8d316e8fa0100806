// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var chatValidate *validator.Validate

// missingFieldOrder fixes the order in which missing fields are reported.
var missingFieldOrder = map[string]int{
	"messages": 0,
	"chatId":   1,
	"userId":   2,
}

func init() {
	chatValidate = validator.New(validator.WithRequiredStructEnabled())
	chatValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	chatValidate.RegisterStructValidation(validateMessagePresence, ChatRequest{})
}

// validateMessagePresence requires a non-empty message or messages.
func validateMessagePresence(sl validator.StructLevel) {
	req := sl.Current().Interface().(ChatRequest)
	hasMessage := req.Message != nil && *req.Message != ""
	if !hasMessage && len(req.Messages) == 0 {
		sl.ReportError(req.Messages, "messages", "Messages", "required", "")
	}
}

// ValidateChatRequest parses, validates and normalizes a raw request body.
//
// # Description
//
// Checks presence of chatId, userId and message/messages, reporting every
// missing field at once. Range-checks generation parameters. Normalizes a
// single "message" into a one-turn sequence. When both "message" and
// "messages" are present, "messages" wins.
//
// # Inputs
//
//   - raw: The request body bytes.
//
// # Outputs
//
//   - *ValidatedRequest: Normalized request whose last turn is a user turn.
//   - error: *ValidationError on any rejection.
//
// # Examples
//
//	req, err := datatypes.ValidateChatRequest([]byte(`{"message":"Hi","chatId":"c1","userId":"u1"}`))
//	// req.Turns == []Turn{{Role: RoleUser, Content: Text("Hi")}}
//
// # Limitations
//
//   - Does not check that the caller owns chatId; that belongs to the store.
//
// # Assumptions
//
//   - The body has already been size-limited by the caller.
func ValidateChatRequest(raw []byte) (*ValidatedRequest, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil || keys == nil {
		return nil, &ValidationError{
			Kind:    ValidationInvalidBody,
			Message: "Request body must be a JSON object",
		}
	}
	received := receivedKeys(keys)

	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ValidationError{
			Kind:     ValidationInvalidBody,
			Message:  fmt.Sprintf("Invalid request body: %v", err),
			Received: received,
		}
	}

	if err := checkFields(&req, received); err != nil {
		return nil, err
	}

	turns := req.Messages
	if len(turns) == 0 {
		turns = []Turn{{Role: RoleUser, Content: Text(*req.Message)}}
	}

	hasUser := false
	for _, t := range turns {
		if t.Role == RoleUser {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return nil, &ValidationError{
			Kind:    ValidationNoUserMessage,
			Message: "No user message found in the messages array",
			Fields:  []string{"messages"},
		}
	}
	if turns[len(turns)-1].Role != RoleUser {
		return nil, &ValidationError{
			Kind:    ValidationLastTurnNotUser,
			Message: "The last message must have role \"user\"",
			Fields:  []string{"messages"},
		}
	}

	return &ValidatedRequest{
		ChatID:       req.ChatID,
		UserID:       req.UserID,
		Turns:        turns,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Params: GenerationParams{
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			TopP:        req.TopP,
		},
		Attachments: req.Attachments,
	}, nil
}

// checkFields runs struct validation and sorts failures into missing
// fields and invalid parameters. Missing fields take precedence.
func checkFields(req *ChatRequest, received string) error {
	err := chatValidate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{
			Kind:    ValidationInvalidBody,
			Message: fmt.Sprintf("Invalid request body: %v", err),
		}
	}

	var missing, invalid []string
	for _, fe := range verrs {
		path := strings.TrimPrefix(fe.Namespace(), "ChatRequest.")
		if _, top := missingFieldOrder[path]; top && fe.Tag() == "required" {
			missing = append(missing, path)
			continue
		}
		invalid = append(invalid, path)
	}

	if len(missing) > 0 {
		sort.SliceStable(missing, func(i, j int) bool {
			return missingFieldOrder[missing[i]] < missingFieldOrder[missing[j]]
		})
		return &ValidationError{
			Kind:     ValidationMissingFields,
			Message:  fmt.Sprintf("Missing required fields: %s are required", strings.Join(missing, ", ")),
			Fields:   missing,
			Received: received,
		}
	}

	return &ValidationError{
		Kind:    ValidationInvalidParameters,
		Message: fmt.Sprintf("Invalid parameters: %s", strings.Join(invalid, ", ")),
		Fields:  invalid,
	}
}

func receivedKeys(keys map[string]json.RawMessage) string {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
