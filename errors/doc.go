// Package errors provides the error classification used across devicegate.
//
// # Classification
//
// Every error falls into one of three classes:
//
//   - Transient: a send or receive failure on one connection, a NATS outage,
//     a timeout. The affected connection is pruned or the call is retried.
//   - Invalid: a message or request the gateway refuses. The sender gets an
//     error reply and state is left unchanged.
//   - Fatal: configuration problems detected at startup.
//
// No error raised while the gateway is running is fatal to the process.
//
// # Message-level taxonomy
//
// The gateway core reports rejected input with a small set of values:
//
//	*ValidationError        bad field value (Field, Value, Reason)
//	ErrUnknownMessageType   envelope type with no handler
//	ErrDeserialization      frame that is not a valid envelope
//	ErrRoleNotPermitted     message type the sender's role may not issue
//	ErrTransport            failure on one connection (prune it)
//
// Code maps any of these to the string code carried in an outbound
// "error" message.
//
// # Wrapping
//
// Wrap follows the pattern "component.method: action failed: %w":
//
//	if err := store.SetThreshold(v); err != nil {
//	    return errors.Wrap(err, "Router", "UpdateThreshold", "apply threshold")
//	}
//
// WrapTransient, WrapInvalid and WrapFatal add an explicit class that takes
// precedence over sentinel and message matching.
package errors
