/*
Package flow implements named controllers on top of a raw message
transport.

On the privileged side a Host owns the ServerTransport and the defaults
shared by its ServerControllers: the trust predicate consulted before every
inbound event and invocation, and the destination resolver used for
broadcasts. Each ServerController handles invocations, listens for events
sent by clients and broadcasts events to clients.

On the worker side Preload installs one Multiplexer into the execution
context. ClientControllers created from it invoke handlers, send events and
listen for broadcasts. The Multiplexer refuses controller names that were
not registered, unless its registry is disabled.

Channels are derived from (controller, operation, kind), so one controller
can expose a handler and an event with the same name. For every
(controller, event) pair exactly one raw listener is installed, fanning out
to the local listeners in registration order.
*/
package flow
