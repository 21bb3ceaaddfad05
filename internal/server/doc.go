// Package server implements the HTTP and WebSocket surface of GoChat.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, frame dispatch, routing, and HTTP handlers. The
// Hub goroutine is the only place that mutates sessions, presence, and room
// subscriptions; storage and assistant calls run on the connection's read
// pump or the HTTP handler goroutine.
package server
