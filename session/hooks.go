// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"strings"
	"unicode"

	"github.com/outpost-foundation/outpost/hook"
	"github.com/outpost-foundation/outpost/protocol"
)

// maxDerivedTitleLen caps titles derived from the first user message.
const maxDerivedTitleLen = 80

// RegisterHooks installs the built-in metadata hooks on the registry:
// first-user-message capture with derived titling, and explicit agent
// titling. An explicit title always wins; the derived title only fills
// an empty name.
func RegisterHooks(hooks *hook.Registry, sessions *Registry) {
	hook.On(hooks, protocol.CommandPrompt, "capture-first-message",
		func(ctx context.Context, sessionID string, prompt protocol.Prompt) error {
			return sessions.recordFirstMessage(ctx, sessionID, prompt.Text)
		})

	hook.On(hooks, protocol.EventSessionTitle, "explicit-title",
		func(ctx context.Context, sessionID string, title protocol.SessionTitle) error {
			if title.Title == "" {
				return nil
			}
			name := title.Title
			_, err := sessions.Update(ctx, sessionID, UpdateFields{Name: &name})
			return err
		})
}

// recordFirstMessage stores the first prompt of a session and derives
// a display name from it when none is set. Later prompts are ignored.
func (r *Registry) recordFirstMessage(ctx context.Context, id, text string) error {
	if text == "" {
		return nil
	}

	session, err := r.store.get(ctx, id)
	if err != nil {
		return err
	}
	if session.FirstUserMessage != "" {
		return nil
	}

	derived := deriveTitle(text)
	_, err = r.Update(ctx, id, UpdateFields{
		FirstUserMessage: &text,
		NameIfAbsent:     &derived,
	})
	return err
}

// deriveTitle condenses prompt text into a short single-line title.
func deriveTitle(text string) string {
	fields := strings.FieldsFunc(text, unicode.IsSpace)
	title := strings.Join(fields, " ")
	runes := []rune(title)
	if len(runes) <= maxDerivedTitleLen {
		return title
	}
	cut := string(runes[:maxDerivedTitleLen])
	if idx := strings.LastIndexByte(cut, ' '); idx > maxDerivedTitleLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
