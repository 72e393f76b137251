// Package agent turns a natural-language query into a plan, executes it and
// records the run. It is the single entry point used by the HTTP API, the
// asynchronous task workers and the CLI.
package agent
