package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/metagen/metagen/sdk/metagen"
)

// runAsk sends text and writes the streamed reply to out. Approval requests
// are answered from in: "y" approves, an empty line or "n" rejects, and any
// other line rejects with that line as feedback.
func runAsk(ctx context.Context, conv *metagen.Conversation, text string, in io.Reader, out io.Writer) error {
	turn, err := conv.SendMessage(ctx, text)
	if err != nil {
		return err
	}

	answers := bufio.NewScanner(in)
	printed := 0 // runes of the open message already written

	for sig, err := range turn.Signals() {
		if err != nil {
			if printed > 0 {
				fmt.Fprintln(out)
			}
			if turn.Abnormal() {
				return cli.Exit(errorStyle.Render("✗ connection lost before the reply finished: "+err.Error()), 1)
			}
			return err
		}

		switch sig.Kind {
		case metagen.SignalMessageStarted, metagen.SignalMessageUpdated:
			printed = writeDelta(out, sig.Content, printed)
		case metagen.SignalMessageFinalized:
			writeDelta(out, sig.Content, printed)
			fmt.Fprintln(out)
			printed = 0
		case metagen.SignalSystem:
			fmt.Fprintln(out, systemStyle.Render(sig.Content))
		case metagen.SignalThinking:
			fmt.Fprintln(out, statusStyle.Render("… "+sig.Content))
		case metagen.SignalToolCall:
			fmt.Fprintln(out, toolStyle.Render("⚙ "+sig.ToolCall.ToolName)+" "+statusStyle.Render(sig.ToolCall.ToolArgs.String()))
		case metagen.SignalToolResult:
			fmt.Fprintln(out, resultStyle.Render("  └─ "+oneLine(sig.Content, 120)))
		case metagen.SignalToolError:
			fmt.Fprintln(out, errorStyle.Render("  └─ "+sig.ToolCall.ToolName+" failed: "+sig.Content))
		case metagen.SignalApprovalNeeded:
			decision, feedback := promptApproval(out, answers, sig.Approval)
			if err := conv.ResolveApproval(ctx, decision, feedback); err != nil {
				turn.Cancel()
				return fmt.Errorf("answer approval: %w", err)
			}
		case metagen.SignalUsage:
			fmt.Fprintln(out, statusStyle.Render(fmt.Sprintf("%d tokens (%d in, %d out)",
				sig.Usage.TotalTokens, sig.Usage.InputTokens, sig.Usage.OutputTokens)))
		case metagen.SignalFatalError:
			fmt.Fprintln(out, errorStyle.Render("✗ "+sig.Content))
		}
	}

	if turn.Outcome() == metagen.OutcomeBackendError {
		return cli.Exit("", 1)
	}
	return nil
}

// writeDelta writes the part of content past the first done runes.
func writeDelta(out io.Writer, content string, done int) int {
	r := []rune(content)
	if done < len(r) {
		fmt.Fprint(out, string(r[done:]))
	}
	return len(r)
}

func promptApproval(out io.Writer, answers *bufio.Scanner, req *metagen.PendingApproval) (metagen.ApprovalDecision, string) {
	fmt.Fprintln(out, promptStyle.Render("? Allow "+req.ToolName)+" "+req.ToolArgs.String())
	fmt.Fprint(out, promptStyle.Render("  [y/N or a reason to reject] "))
	if !answers.Scan() {
		fmt.Fprintln(out)
		return metagen.DecisionRejected, "no answer"
	}

	line := strings.TrimSpace(answers.Text())
	switch strings.ToLower(line) {
	case "y", "yes":
		return metagen.DecisionApproved, ""
	case "", "n", "no":
		return metagen.DecisionRejected, ""
	}
	return metagen.DecisionRejected, line
}

func oneLine(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > maxLen {
		return string(r[:maxLen-3]) + "..."
	}
	return s
}
