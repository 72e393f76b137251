// Package llm defines the chat-completion boundary used to select tools for a
// query. Provider adapters live in sub-packages and return the raw
// choices/message structure so callers can interpret the content themselves.
package llm
