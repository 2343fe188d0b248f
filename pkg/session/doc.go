// Package session drives one agent persona through the tool-call loop.
//
// Two executors share the same loop: Session runs a single command to a terminal
// state, Conversation runs any number of user messages until it is ended.
//
// Invariants:
// - Status is pending right after New and never returns to pending.
// - completed, failed and timeout are terminal.
// - Only one loop runs per instance; concurrent sends fail instead of queueing.
// - Every tool call in history is answered by exactly one tool result.
// - Usage is recorded before the assistant message is appended.
// - Serialize followed by Restore and Serialize yields an equal State.
//
// Usage:
//
//	s, _ := session.New(session.Config{
//		AgentID:  "pm",
//		Command:  "*help",
//		Provider: provider,
//		Agents:   agents,
//		Prompts:  prompt.New(),
//	})
//	s.On(events.Question, func(e events.Event) { _ = s.Answer("Blue") })
//	result, err := s.Execute(ctx)
package session
