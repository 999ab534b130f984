/*
Package session provides the execution session manager and the WebSocket protocol that clients use to drive it.
A client submits a script, the server persists it to a uniquely named artifact and launches it in an isolated runtime,
then relays the process output to the client and the client's input lines to the process while it runs.

Sessions are scoped to the WebSocket connection--that is, a connection has at most one live session,
and if the connection dies for any reason, its process is killed and its artifact deleted.

There are two messages in this protocol: "request" messages are sent client->server, and "event" messages are sent server->client.
The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server.
2. The client sends a "run" request containing the source text.
3. The server streams "output" events with the combined stdout and stderr of the process, while the client may send "input" requests.
   Each accepted input line is echoed back as an "output" event before it is written to the process.
4. The client may send a "stop" request at any time. A session without any I/O for the timeout budget is stopped too.
5. When the process exits or is stopped, the server sends exactly one "exit" event. No output follows it.
   Forced terminations carry ForcedExitCode.
6. The client may send another "run" request on the same connection, or close it.

A "run" request while a session is live is ignored. A run that cannot be launched gets an "error" event and no "exit".
*/
package session
