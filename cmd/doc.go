// Package cmd implements the command-line interface of dBoard, the replicated
// publish/subscribe message board. It provides a hierarchical command structure
// with operations for running a replica and interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - board: Client commands (join, publish, retrieve, stream, subscribe, stats, perf)
//     and the bulletin board (post, reply, read, choose)
//   - serve: Commands for starting and configuring a replica
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dboard -help for a list of all commands.
package cmd
