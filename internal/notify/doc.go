// Package notify delivers escalation actions to patients, doctors and
// emergency contacts. The Dispatcher claims each action once, resolves the
// recipient through the account directory, sends through the channel's sender
// with bounded retries, and records every attempt in the notification log.
// Channel senders live in subpackages.
package notify
