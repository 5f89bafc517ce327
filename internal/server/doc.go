// Package server implements the WebSocket front end of the chat service.
//
// Each connection becomes a Session that speaks a newline-delimited text
// protocol. Sessions turn client lines into broker commands and render broker
// events back into text. The package also holds the HTTP routes, origin
// checks, per-connection rate limiting and the process configuration.
package server
