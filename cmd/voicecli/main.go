// Package main provides the voice-shopping CLI.
//
// Usage:
//
//	voicecli [flags] <command> [args]
//
// Commands:
//
//	talk     - Voice-shopping session on the default microphone and speaker
//	crm      - Browse CRM records through the proxy
//	history  - List archived conversations of an identity
package main

import (
	"fmt"
	"os"

	"github.com/satriahrh/crmvoice/cmd/voicecli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
