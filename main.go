// Package main is the entry point for the evoladder service, a ranked
// 1v1 ladder with wave-based matchmaking, replay ingestion, and Elo
// ratings.
package main

import "github.com/evoladder/evoladder/cmd"

func main() {
	cmd.Execute()
}
