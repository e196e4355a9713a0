// Package server implements the HTTP and WebSocket side of the chat service.
//
// A Gateway accepts connections on /chat/<room_id>, joins each one to its
// room in a room.Directory, and hands every inbound text frame to a
// room.Broadcaster. Each Connection runs a reader and a writer goroutine
// that share nothing but the outbound queue and a done channel.
//
// The remaining files hold configuration, the origin allow-list, the
// per-connection rate limiter, routing and HTTP server helpers.
package server
