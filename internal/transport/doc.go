// Package transport carries node-to-node RPCs.
//
// Every request is a Message{Kind, From, Payload} and every response a Reply.
// Mux routes messages to handlers by kind; Handle and Call add typed
// encoding on either side. Two Transport implementations exist:
//
//   - HTTPTransport posts to {addr}/rpc/{kind}; Mux.ServeHTTP answers.
//   - LocalNetwork wires in-process nodes together and lets tests cut links
//     with Disconnect and Partition.
//
// Handler errors registered with RegisterError arrive at the caller as a
// *RemoteError that unwraps to the original sentinel, so errors.Is works
// across the wire.
package transport
