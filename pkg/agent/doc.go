// Package agent runs agents: prompt chains whose stages drive a model
// through tool-call round trips.
//
// Invariants:
// - One run per session at a time, enforced by runqueue admission.
// - Stages execute in ascending index order; each stage's answer is fed
//   back into the run inputs under its output name.
// - Every tool call a model issues is executed and answered before the
//   next model call; a tool the model was not offered aborts the run.
// - Run never returns a Go error; failures travel in RunResponse.Error.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Store:    store,
//		Provider: provider,
//		Agents:   registry,
//	})
//	resp := runner.Run(ctx, agent.RunParams{
//		SessionID: "s1",
//		Agent:     "ideas",
//		Inputs:    map[string]any{"topic": "guitar"},
//	})
//	_ = resp
package agent
