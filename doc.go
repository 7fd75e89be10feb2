/*
Package topkserver is a TCP service that reports the most frequent words of
web pages.

A client opens a connection and writes a single URL. The server fetches the
page, counts its whitespace-separated words and writes back the K most
frequent ones as a JSON object, then closes the connection:

	$ printf 'https://example.com' | nc localhost 8080
	{"the":12,"example":4,"domain":3}

Requests that are not an absolute URL are answered with the plain text
"Invalid URL"; fetch failures with {"error":"Processing failed"}.

# Architecture

The master accepts connections and appends them to an unbounded work queue.
A fixed pool of worker units takes items off the queue, one at a time each.
A supervisor polls the pool and replaces any unit that terminated because
of a fault, keeping its index. On shutdown the listener closes first and the
master waits until every queued connection has been answered.

Quick Start

	topk-server serve -w 10 -k 5
	topk-server client 4 urls.txt

Modules

  - app: process lifecycle and signal handling
  - config: defaults, YAML file and TOPK_ environment overrides
  - logger: zap logging with lumberjack rotation
  - client: concurrent URL sender
  - core: master server (listener, accept loop, drain)
  - core/queue: work queue with in-flight accounting
  - core/worker: worker units and the request pipeline
  - core/supervisor: worker pool self-healing
  - core/fetcher: fasthttp page fetcher with charset decoding
  - core/analyzer: top-K word counting
  - core/codec: JSON and protobuf reply encoding
  - core/observability: latency histograms per request outcome
*/
package topkserver
