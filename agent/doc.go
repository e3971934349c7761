// Package agent provides messaging.Handler implementations backed by a
// language model. An Agent turns every message into a prompt, asks its
// Responder for a reply and prints the reply as a titled panel.
package agent
