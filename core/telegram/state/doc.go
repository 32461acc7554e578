// Package state runs multi-step chat flows.
//
// A Flow is a table of named steps. Each step renders a prompt on entry and
// maps inbound events (text, button press, document) to a Transition: move to
// another step, stay on the current one with a corrective hint, or finish.
// Sessions are keyed by (user, chat); starting a flow replaces whatever
// session the key already had. Cancel is accepted in every step.
package state
