package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Color helpers shared by the commands.
var (
	blue  = color.New(color.FgBlue).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

// isTTY checks if the current environment has a TTY available.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// NewRootCommand assembles the ethos command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ethos",
		Short: "Ethically governed autonomous agent runtime",
		Long: fmt.Sprintf(`%s

ethos runs an autonomous agent whose every step passes a deliberation
pipeline: parallel ethical, common-sense and domain evaluations feed a single
action selection, and a guardrail pass can veto or rewrite the choice before
it executes. The agent wakes up through an identity ritual, works its task
queue, dreams on a schedule and drains cleanly on shutdown. Every service it
touches runs on bundled local providers, so the binary needs no credentials.

%s
  ethos run                          # wake up and work until interrupted
  ethos run --message "hello"        # queue an operator message first
  ethos run --profile ops.yaml       # run under a custom agent profile
  ethos run --wakeup=false           # skip the ritual, start working
  ethos profile show                 # print the resolved agent profile
  ethos version                      # print the build version`,
			bold("ethos "+appVersion()),
			bold("EXAMPLES:")),
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Printf("%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}
