// Package agent defines the conversation model shared by every executor and the
// ModelProvider contract that backends implement.
//
// Invariants:
// - A Message carries either plain text or content blocks, never both.
// - Every tool_use block is answered by exactly one tool_result block with the same id.
// - Providers are stateless between calls; the caller owns the message history.
//
// Usage:
//
//	provider := agent.NewMockProvider(agent.MockText("done", 100, 20))
//	resp, _ := provider.SendMessage(ctx, []agent.Message{agent.UserText("hi")}, nil, agent.SendOptions{})
//	_ = resp.StopReason
package agent
