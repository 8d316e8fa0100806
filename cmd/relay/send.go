// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/ux"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/streaming"
)

// sendOptions are the flags of `relay send`.
type sendOptions struct {
	URL          string
	ChatID       string
	UserID       string
	Token        string
	SystemPrompt string
	Model        string
	Timeout      time.Duration
}

// sendResult summarizes one streamed reply.
type sendResult struct {
	Answer    string
	Fragments int
	Done      bool
}

var errIncompleteStream = errors.New("stream ended without [DONE]")

func newSendCmd() *cobra.Command {
	opts := sendOptions{}

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and stream the reply",
		Long: `Posts a chat message to a running relay and prints the reply as it
streams. The reply is persisted by the server under --chat-id.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			p := ux.NewPrinter(out, ux.DetectMode(out))
			_, err := runSend(cmd.Context(), p, opts, strings.Join(args, " "))
			if err != nil {
				p.Error(err.Error())
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.URL, "url", "http://localhost:12210", "relay base URL")
	f.StringVar(&opts.ChatID, "chat-id", "", "chat to append to (default: new chat)")
	f.StringVar(&opts.UserID, "user-id", os.Getenv("USER"), "user sending the message")
	f.StringVar(&opts.Token, "token", os.Getenv("RELAY_TOKEN"), "bearer token")
	f.StringVar(&opts.SystemPrompt, "system", "", "system prompt")
	f.StringVar(&opts.Model, "model", "", "model to request")
	f.DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "overall request timeout")
	return cmd
}

// runSend posts message and streams the reply through p.
//
// # Description
//
// The request body uses the relay's chat form. Fragments are decoded with
// the same incremental parser the server uses for upstream streams, in
// FrameExtractor mode, so a stream cut mid-line is handled identically.
// An in-band error frame becomes the returned error.
func runSend(ctx context.Context, p *ux.Printer, opts sendOptions, message string) (*sendResult, error) {
	if opts.UserID == "" {
		return nil, errors.New("--user-id is required")
	}
	if opts.ChatID == "" {
		opts.ChatID = uuid.NewString()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(datatypes.ChatRequest{
		Message:      &message,
		ChatID:       opts.ChatID,
		UserID:       opts.UserID,
		SystemPrompt: opts.SystemPrompt,
		Model:        opts.Model,
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(opts.URL, "/") + "/v1/chat/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	p.Muted(fmt.Sprintf("chat %s", opts.ChatID))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	res, err := readStream(resp.Body, p)
	if res != nil && res.Fragments > 0 {
		p.Fragment("\n")
	}
	if err != nil {
		return res, err
	}
	p.Success(fmt.Sprintf("%d fragments, %d bytes", res.Fragments, len(res.Answer)))
	return res, nil
}

func readStream(r io.Reader, p *ux.Printer) (*sendResult, error) {
	parser := streaming.NewParser(streaming.FrameExtractor,
		streaming.WithLogger(slog.New(slog.DiscardHandler)))
	res := &sendResult{}
	var answer strings.Builder

	emit := func(frags []string) {
		for _, f := range frags {
			p.Fragment(f)
			answer.WriteString(f)
			res.Fragments++
		}
	}

	buf := make([]byte, 4096)
	for !parser.Done() {
		n, readErr := r.Read(buf)
		if n > 0 {
			frags, err := parser.Feed(buf[:n])
			emit(frags)
			if err != nil {
				res.Answer = answer.String()
				return res, remoteError(err)
			}
		}
		if readErr == io.EOF {
			frags, err := parser.Flush()
			emit(frags)
			res.Answer = answer.String()
			if err != nil {
				return res, remoteError(err)
			}
			if !parser.Done() {
				return res, errIncompleteStream
			}
			break
		}
		if readErr != nil {
			res.Answer = answer.String()
			return res, fmt.Errorf("read stream: %w", readErr)
		}
	}

	res.Answer = answer.String()
	res.Done = true
	return res, nil
}

func remoteError(err error) error {
	var remote *streaming.RemoteError
	if errors.As(err, &remote) {
		return fmt.Errorf("relay error: %s", remote.Error())
	}
	return err
}

// statusError turns a non-200 JSON error body into an error.
func statusError(resp *http.Response) error {
	var body struct {
		Error    string `json:"error"`
		Details  string `json:"details"`
		Received string `json:"received"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		return fmt.Errorf("relay returned %s", resp.Status)
	}
	msg := fmt.Sprintf("relay returned %d: %s", resp.StatusCode, body.Error)
	switch {
	case body.Details != "":
		msg += " (" + body.Details + ")"
	case body.Received != "":
		msg += " (received: " + body.Received + ")"
	}
	return errors.New(msg)
}
