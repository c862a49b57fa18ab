package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/autoyou-dev/autoyou"
	"github.com/autoyou-dev/autoyou/internal/gate"
	"github.com/autoyou-dev/autoyou/internal/router"
)

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive shell for exercising the control core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl()
		},
	}
}

func runRepl() error {
	ctx := context.Background()

	core, err := autoyou.Load(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			log.Printf("Warning: failed to close core: %v", err)
		}
	}()

	core.SetExecutor(func(ctx context.Context, action gate.Action) error {
		fmt.Printf("  [execute] session=%s action=%s payload=%s\n",
			action.SessionID, action.ID, string(action.Descriptor.Payload))
		return nil
	})

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	sessionID, err := core.CreateSession(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s created. Type 'help' for commands.\n", sessionID)

	for {
		input, err := line.Prompt("autoyou> ")
		if err != nil {
			// liner.ErrPromptAborted or io.EOF
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		cmd, rest, _ := strings.Cut(input, " ")
		switch cmd {
		case "help":
			printHelp()
		case "quit", "exit":
			return nil
		case "new":
			sessionID, err = core.CreateSession(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("Session %s created.\n", sessionID)
		case "say":
			payload, merr := json.Marshal(map[string]string{"text": rest})
			if merr != nil {
				fmt.Printf("error: %v\n", merr)
				continue
			}
			report(core.Handle(ctx, sessionID, router.Proposal{
				Kind:    router.KindReply,
				Payload: payload,
			}))
		case "transfer":
			report(core.Handle(ctx, sessionID, router.Proposal{
				Kind:   router.KindTransfer,
				Target: rest,
			}))
		case "action":
			report(core.Handle(ctx, sessionID, router.Proposal{
				Kind:   router.KindAction,
				Action: actionDescriptor(rest),
			}))
		case "confirm":
			report(core.Confirm(ctx, sessionID, pendingActionID(core, sessionID, rest)))
		case "abort":
			report(core.Abort(ctx, sessionID, pendingActionID(core, sessionID, rest)))
		case "pending":
			if action, ok := core.PendingAction(sessionID); ok {
				fmt.Printf("pending action %s (state=%s, deadline=%s)\n", action.ID, action.State, action.Deadline.Format("15:04:05"))
			} else {
				fmt.Println("no pending action")
			}
		case "history":
			turns, herr := core.History(ctx, sessionID)
			if herr != nil {
				fmt.Printf("error: %v\n", herr)
				continue
			}
			for _, t := range turns {
				note := ""
				if t.Annotation != "" {
					note = " [" + t.Annotation + "]"
				}
				fmt.Printf("  #%d %s/%s%s %s\n", t.Seq, t.Agent, t.Kind, note, string(t.Payload))
			}
		case "counters":
			counters, cerr := core.Counters(ctx, sessionID)
			if cerr != nil {
				fmt.Printf("error: %v\n", cerr)
				continue
			}
			fmt.Printf("messages=%d transfers=%d confirmed=%d aborted=%d\n",
				counters.Messages, counters.Transfers, counters.ConfirmedActions, counters.AbortedActions)
		case "usage":
			summary := core.Usage()
			fmt.Printf("sessions=%d messages=%d transfers=%d\n",
				summary.Sessions, summary.Totals.Messages, summary.Totals.Transfers)
			for agent, n := range summary.TransfersByAgent {
				fmt.Printf("  -> %s: %d\n", agent, n)
			}
		case "expire":
			if eerr := core.ExpireSession(ctx, sessionID); eerr != nil {
				fmt.Printf("error: %v\n", eerr)
				continue
			}
			fmt.Printf("Session %s expired.\n", sessionID)
		default:
			fmt.Printf("unknown command %q, type 'help'\n", cmd)
		}
	}
}

func actionDescriptor(desc string) *gate.Descriptor {
	payload, _ := json.Marshal(map[string]string{"description": desc})
	return &gate.Descriptor{Payload: payload}
}

// pendingActionID resolves the action id for confirm/abort. An explicit
// id wins; otherwise the session's pending action is used.
func pendingActionID(core *autoyou.Core, sessionID, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if action, ok := core.PendingAction(sessionID); ok {
		return action.ID
	}
	return ""
}

func report(d *router.Decision, err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	switch {
	case d.Err != nil:
		fmt.Printf("%s (rejected: %v, active agent now %s)\n", d.Kind, d.Err, d.NextAgent)
	case d.Warning:
		fmt.Printf("%s (loop warning, active agent now %s)\n", d.Kind, d.NextAgent)
	case d.Action != nil:
		fmt.Printf("%s (action %s, state %s)\n", d.Kind, d.Action.ID, d.Action.State)
	default:
		fmt.Printf("%s (active agent %s)\n", d.Kind, d.NextAgent)
	}
}

func printHelp() {
	fmt.Print(`Commands:
  new                start a fresh session
  say <text>         append a reply turn
  transfer <agent>   request a handoff to another agent
  action <desc>      propose a trading action (requires confirmation)
  confirm [id]       confirm the pending action
  abort [id]         abort the pending action
  pending            show the pending action, if any
  history            print the session transcript
  counters           print the session analytics counters
  usage              print arena-wide usage totals
  expire             close the current session
  quit               exit
`)
}
