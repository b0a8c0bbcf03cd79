// Package main is the entrypoint for the native relay agent.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/morezero/agent-relay/internal/agentd"
	"github.com/morezero/agent-relay/internal/config"
	"github.com/morezero/agent-relay/pkg/manifest"
)

const usage = `Usage: relay-agent [command]
       relay-agent run        Connect to the control plane and serve commands.
       relay-agent manifest   Print the effective companion manifest as JSON.

Commands:
  run        (default) Start the agent; reconnects with backoff until stopped.
  manifest   Show which targets and routes the agent would use.

Environment: AGENT_ID (required), RELAY_SERVER_URL (WebSocket, default ws://127.0.0.1:8080/ws),
RELAY_SECONDARY_NATS_URL (fallback), AGENT_MANIFEST_FILE, AGENT_LOCAL_BUS_PORT.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "manifest":
		if err := printManifest(os.Stdout); err != nil {
			log.Fatalf("relay-agent manifest: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "run", "":
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := agentd.Run(); err != nil {
		log.Fatalf("relay-agent: %v", err)
	}
}

func printManifest(w io.Writer) error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	m, err := manifest.Load(cfg.ManifestFile)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
