package main

import (
	"os"

	"AgentEscrow/cmd/escrowd/cmd"
)

// main 是 escrowd 守护进程的入口。
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
