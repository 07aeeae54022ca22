/*
Package ssehub implements a publish/subscribe hub that streams messages over
HTTP to web browsers as Server-Sent Events, following the Mercure protocol.

# Subscribing

Clients open a long-lived GET request on /.well-known/mercure and name the
topics they are interested in with one or more topic query parameters:

	GET /.well-known/mercure?topic=/books/{id}&topic=/authors/1

A topic selector is either "*", a URI template, a glob pattern or a literal
topic. A client that sends Last-Event-ID (as a header, or as a query parameter
for EventSource implementations that cannot set headers) first receives every
stored message published after that id, then live messages, without gaps or
duplicates between the two.

# Publishing

Messages are published with Server.Publish, or by POSTing a form with topic,
data and optional id, type, retry and private fields to /.well-known/mercure.
Private messages are only delivered to subscribers whose claims allow them.

# Backends

The history lives in a storage.Storage and messages travel on a
transport.Transport. The defaults keep a bounded history in memory and only
see messages published through the same process; storage/sqlite and
transport/nats let several processes share one hub.
*/
package ssehub
