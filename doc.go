// Package pinrpc carries pattern-addressed calls between services over a
// RabbitMQ topic exchange.
//
// A Listener derives routing keys and a queue name from the pins it serves,
// binds that queue to the shared exchange and answers each request through
// a Dispatcher. A Client owns an exclusive reply queue, publishes calls for
// its pins to the same exchange and hands replies back to the Dispatcher,
// which correlates them by request id.
//
//	router := dispatch.NewRouter()
//	router.Add("role:create", createHandler)
//
//	l, err := pinrpc.NewListener(router, cfg)
//	if err != nil {
//		return err
//	}
//	if err := l.Listen(ctx); err != nil {
//		return err
//	}
//	defer l.Close()
//
// Pins become routing keys by sorting their keys and joining key and value
// words with dots; see package topic.
package pinrpc
