// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/protocol"
	"github.com/outpost-foundation/outpost/session"
)

func runList(socket string, args []string) error {
	flags := pflag.NewFlagSet("list", pflag.ExitOnError)
	flags.Parse(args)

	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	response, err := client.mustCommand(protocol.CommandListSessions, "", nil)
	if err != nil {
		return err
	}
	sessions, err := decodeData[[]session.Session](response)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATUS\tMODE\tMODEL\tNAME")
	for _, s := range sessions {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Mode, s.Model, s.Name)
	}
	return writer.Flush()
}

func runCreate(socket string, args []string) error {
	flags := pflag.NewFlagSet("create", pflag.ExitOnError)
	mode := flags.String("mode", "chat", "session mode (chat or code)")
	name := flags.String("name", "", "initial session name")
	repo := flags.String("repo", "", "repository id to link")
	flags.Parse(args)

	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	response, err := client.mustCommand(protocol.CommandCreateSession, "", protocol.CreateSession{
		Mode:   *mode,
		Name:   *name,
		RepoID: *repo,
	})
	if err != nil {
		return err
	}
	created, err := decodeData[session.Session](response)
	if err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}

func runDelete(socket string, args []string) error {
	id, err := requireSessionArg("delete", args)
	if err != nil {
		return err
	}
	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	if _, err := client.mustCommand(protocol.CommandDeleteSession, id, nil); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func runState(socket string, args []string) error {
	id, err := requireSessionArg("state", args)
	if err != nil {
		return err
	}
	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	response, err := client.mustCommand(protocol.CommandGetState, id, nil)
	if err != nil {
		return err
	}
	state, err := decodeData[protocol.SessionState](response)
	if err != nil {
		return err
	}
	fmt.Printf("status:        %s\n", state.Status)
	fmt.Printf("model:         %s\n", state.Model)
	fmt.Printf("agent running: %v\n", state.IsAgentRunning)
	fmt.Printf("latest seq:    %d\n", state.LatestSeq)
	return nil
}

func runHistory(socket string, args []string) error {
	flags := pflag.NewFlagSet("history", pflag.ExitOnError)
	after := flags.Uint64("after", 0, "only events after this seq")
	flags.Parse(args)

	id, err := requireSessionArg("history", flags.Args())
	if err != nil {
		return err
	}
	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	response, err := client.mustCommand(protocol.CommandGetMessages, id, protocol.GetMessages{AfterSeq: *after})
	if err != nil {
		return err
	}
	entries, err := decodeData[[]protocol.JournalEntry](response)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		stamp := time.UnixMilli(entry.Timestamp).UTC().Format(time.RFC3339)
		fmt.Printf("%6d  %s  %s%s\n", entry.Seq, stamp, entry.Type, renderPayload(entry.Type, entry.Payload))
	}
	return nil
}

func runPrompt(socket string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: outpost prompt <session-id> <text>")
	}
	id, text := args[0], strings.Join(args[1:], " ")

	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	// Attach first so the turn's events stream back on this
	// connection; we already know everything journaled so far.
	stateResponse, err := client.mustCommand(protocol.CommandGetState, id, nil)
	if err != nil {
		return err
	}
	state, err := decodeData[protocol.SessionState](stateResponse)
	if err != nil {
		return err
	}
	if _, err := client.mustCommand(protocol.CommandAttachSession, id, protocol.AttachSession{LastSeq: state.LatestSeq}); err != nil {
		return err
	}
	if _, err := client.mustCommand(protocol.CommandPrompt, id, protocol.Prompt{Text: text}); err != nil {
		return err
	}
	return streamEvents(client, true)
}

func runAttach(socket string, args []string) error {
	flags := pflag.NewFlagSet("attach", pflag.ExitOnError)
	lastSeq := flags.Uint64("last-seq", 0, "replay events after this seq")
	flags.Parse(args)

	id, err := requireSessionArg("attach", flags.Args())
	if err != nil {
		return err
	}
	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	if _, err := client.mustCommand(protocol.CommandAttachSession, id, protocol.AttachSession{LastSeq: *lastSeq}); err != nil {
		return err
	}
	return streamEvents(client, false)
}

func runAbort(socket string, args []string) error {
	id, err := requireSessionArg("abort", args)
	if err != nil {
		return err
	}
	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	if _, err := client.mustCommand(protocol.CommandAbort, id, nil); err != nil {
		return err
	}
	fmt.Printf("aborted %s\n", id)
	return nil
}

func runModels(socket string, args []string) error {
	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	response, err := client.mustCommand(protocol.CommandListModels, "", nil)
	if err != nil {
		return err
	}
	models, err := decodeData[[]string](response)
	if err != nil {
		return err
	}
	for _, model := range models {
		fmt.Println(model)
	}
	return nil
}

func runSetModel(socket string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: outpost set-model <session-id> <model>")
	}
	client, err := dial(socket)
	if err != nil {
		return err
	}
	defer client.close()

	if _, err := client.mustCommand(protocol.CommandSetModel, args[0], protocol.SetModel{Model: args[1]}); err != nil {
		return err
	}
	fmt.Printf("model set to %s\n", args[1])
	return nil
}

func requireSessionArg(command string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("usage: outpost %s <session-id>", command)
	}
	return args[0], nil
}

// streamEvents prints incoming event frames. With untilAgentEnd it
// returns after the turn's terminal event; otherwise it streams until
// the connection drops.
func streamEvents(client *daemonClient, untilAgentEnd bool) error {
	for {
		frame, err := client.next()
		if err != nil {
			return err
		}
		if frame.Kind == protocol.EventResponse {
			continue
		}
		fmt.Printf("%6d  %s%s\n", frame.Seq, frame.Kind, renderPayload(frame.Kind, frame.Payload))
		if untilAgentEnd && frame.Kind == protocol.EventAgentEnd {
			return nil
		}
	}
}

// renderPayload shows the human-relevant part of an event payload.
func renderPayload(kind string, payload codec.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	switch kind {
	case protocol.EventMessageUpdate:
		var update protocol.MessageUpdate
		if codec.Unmarshal(payload, &update) == nil && update.Text != "" {
			return "  " + update.Text
		}
	case protocol.CommandPrompt:
		var prompt protocol.Prompt
		if codec.Unmarshal(payload, &prompt) == nil {
			return "  " + prompt.Text
		}
	case protocol.EventToolCallStart, protocol.EventToolCallUpdate, protocol.EventToolCallEnd:
		var call protocol.ToolCall
		if codec.Unmarshal(payload, &call) == nil && call.Tool != "" {
			return "  " + call.Tool
		}
	case protocol.EventSessionTitle:
		var title protocol.SessionTitle
		if codec.Unmarshal(payload, &title) == nil {
			return "  " + title.Title
		}
	}
	return ""
}
