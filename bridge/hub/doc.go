/*
Package hub tracks open WebSocket connections and fans out push
notifications to all of them.

Connections are registered after their WebSocket handshake completes and
unregistered when their receive loop ends or a broadcast write to them
fails. Broadcast iterates a snapshot of the registry and applies removals
only after the iteration, so one slow or dead client never blocks delivery
to the rest. Writes to a single connection are serialized, which preserves
per-connection message ordering between broadcast pushes and request
replies; no ordering is guaranteed across different connections.
*/
package hub
