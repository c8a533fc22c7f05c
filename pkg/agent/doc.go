// Package agent runs an LLM over a conversation's history and appends the
// answer to the conversation log.
//
// The bridge never waits on the executor directly: ExecuteMessage marks the
// conversation as executing and returns, and the answer becomes visible to
// watchers of the log once the provider call completes.
package agent
