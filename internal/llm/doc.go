// Package llm contains adapters for invoking large language models that can
// request tool calls. It abstracts away provider-specific APIs so agents can
// run a completion round and execute the returned tool calls.
package llm
