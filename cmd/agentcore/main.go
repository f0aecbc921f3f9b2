// Command agentcore runs the agent orchestration core.
//
// Usage:
//
//	agentcore serve --config agentcore.yaml   # gRPC server with /metrics
//	agentcore run --tools search,book < in.jsonl
//	echo '{"kind":"final-answer","message":"hi"}' | agentcore validate
//	agentcore version
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
