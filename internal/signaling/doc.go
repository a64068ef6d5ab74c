// Package signaling serves the per-application WebSocket signaling endpoint
// and the lifecycle hooks the media framework posts to.
//
//   - GET  /{app}/websocket      : signaling session; ?rtmpForward=true asks for the baseline handler
//   - POST /hooks/{app}/{event}  : stream lifecycle notification forwarded to the application adapter
package signaling
