// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/chat"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// errUserMismatch means the body names a different user than the token.
var errUserMismatch = errors.New("userId does not match the authenticated user")

// errBodyTooLarge means the request body exceeded the configured limit.
var errBodyTooLarge = errors.New("request body too large")

// =============================================================================
// Status Mapping
// =============================================================================

// errorResponse is the HTTP answer for an error raised before streaming
// started.
type errorResponse struct {
	Status int
	Code   observability.ErrorCode
	Body   gin.H
}

// classifyError maps err to a status, metric code and JSON body. Only
// provider messages and validation messages reach the client verbatim.
func classifyError(err error) errorResponse {
	var verr *datatypes.ValidationError
	if errors.As(err, &verr) {
		body := gin.H{"error": verr.Message}
		if verr.Received != "" {
			body["received"] = verr.Received
		}
		return errorResponse{http.StatusBadRequest, observability.ErrorCodeValidation, body}
	}

	switch {
	case errors.Is(err, errBodyTooLarge):
		return errorResponse{http.StatusRequestEntityTooLarge, observability.ErrorCodeTooLarge,
			gin.H{"error": "request body too large"}}
	case errors.Is(err, errUserMismatch), errors.Is(err, store.ErrNoCaller):
		return errorResponse{http.StatusUnauthorized, observability.ErrorCodeUnauthorized,
			gin.H{"error": "unauthorized"}}
	case errors.Is(err, store.ErrForbidden):
		return errorResponse{http.StatusForbidden, observability.ErrorCodeUnauthorized,
			gin.H{"error": "forbidden"}}
	case errors.Is(err, store.ErrNoChatID):
		return errorResponse{http.StatusBadRequest, observability.ErrorCodeValidation,
			gin.H{"error": "chatId is required"}}
	}

	code := observability.ErrorCodeInternal
	var upErr *datatypes.UpstreamError
	if errors.As(err, &upErr) {
		code = observability.ErrorCodeUpstream
		if upErr.Kind == datatypes.UpstreamTimeout {
			code = observability.ErrorCodeTimeout
		}
	}
	return errorResponse{http.StatusInternalServerError, code, gin.H{
		"error":   datatypes.PublicErrorMessage,
		"details": chat.PublicDetails(err),
	}}
}

// streamErrorCode is the metric code for a failure after streaming began.
func streamErrorCode(err error) observability.ErrorCode {
	var streamErr *datatypes.StreamError
	if errors.As(err, &streamErr) && streamErr.Kind == datatypes.StreamTooLarge {
		return observability.ErrorCodeTooLarge
	}
	var upErr *datatypes.UpstreamError
	if errors.As(err, &upErr) {
		return observability.ErrorCodeUpstream
	}
	return observability.ErrorCodeStream
}

// writeError answers with the JSON body for err and records the metrics.
// It must only be called before any streaming bytes were written.
func writeError(c *gin.Context, metrics *observability.RelayMetrics, endpoint observability.Endpoint, err error) {
	resp := classifyError(err)
	recordRejection(metrics, endpoint, resp)
	c.AbortWithStatusJSON(resp.Status, resp.Body)
}

func recordRejection(metrics *observability.RelayMetrics, endpoint observability.Endpoint, resp errorResponse) {
	status := observability.StatusFailed
	if resp.Status < http.StatusInternalServerError {
		status = observability.StatusRejected
	}
	metrics.RecordError(endpoint, resp.Code)
	metrics.RecordRequest(endpoint, status)
}
