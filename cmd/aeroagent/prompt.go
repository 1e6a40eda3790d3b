package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/itsharex/aeroftp-sub001/internal/agent/approval"
	"github.com/itsharex/aeroftp-sub001/internal/agent/loop"
	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

var isTerminalFn = term.IsTerminal

// approvalPrompter asks the user about pending calls, one line per call.
type approvalPrompter struct {
	in       *bufio.Reader
	out      io.Writer
	registry *tools.Registry
	// interactive is false when approvals cannot be asked, in which case
	// every pending call is rejected.
	interactive bool
}

func newApprovalPrompter(in io.Reader, out io.Writer, registry *tools.Registry) *approvalPrompter {
	interactive := true
	if f, ok := in.(*os.File); ok && f == os.Stdin {
		interactive = isTerminalFn(int(f.Fd()))
	}
	return &approvalPrompter{in: bufio.NewReader(in), out: out, registry: registry, interactive: interactive}
}

// readLine returns the next input line without its newline. io.EOF is
// returned only when nothing was read.
func (p *approvalPrompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	return strings.TrimRight(line, "\r\n"), err
}

// Ask collects a decision for every pending call.
func (p *approvalPrompter) Ask(pending []*tools.Call) loop.Decisions {
	decisions := loop.Decisions{PerCall: make(map[string]approval.Decision, len(pending))}
	if !p.interactive {
		fmt.Fprintln(p.out, color.YellowString("Approval needed but input is not a terminal; rejecting %d call(s).", len(pending)))
		decisions.All = approval.Reject
		return decisions
	}

	for _, c := range pending {
		fmt.Fprintf(p.out, "%s %s %s\n", color.CyanString("Approve"), describeCall(c), dangerLabel(p.registry.Danger(c.Name)))
		for {
			fmt.Fprint(p.out, "  [o]nce / [s]ession / [r]eject: ")
			line, err := p.readLine()
			if err != nil {
				fmt.Fprintln(p.out)
				decisions.PerCall[c.ID] = approval.Reject
				break
			}
			d, err := approval.ParseDecision(line)
			if err != nil {
				fmt.Fprintln(p.out, color.RedString("  %v", err))
				continue
			}
			decisions.PerCall[c.ID] = d
			break
		}
	}
	return decisions
}

func describeCall(c *tools.Call) string {
	args, err := json.Marshal(c.Args)
	if err != nil {
		args = []byte("{}")
	}
	return fmt.Sprintf("%s(%s)", color.New(color.Bold).Sprint(c.Name), args)
}

func dangerLabel(level tools.DangerLevel) string {
	switch level {
	case tools.DangerSafe:
		return color.GreenString("[%s]", level)
	case tools.DangerMedium:
		return color.YellowString("[%s]", level)
	default:
		return color.RedString("[%s]", level)
	}
}
