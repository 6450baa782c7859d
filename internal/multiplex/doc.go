// Package multiplex dispatches many concurrent request/response exchanges
// over one frame transport. Every frame carries the correlation id of its
// exchange; exchanges complete in any order.
//
// A Server hands each request to a proto.Service as soon as its head
// arrives. A Client assigns ids to the requests it issues and matches
// responses back to their callers. Both keep an in-flight table owned by the
// task calling Step, and both give every exchange its own turn on the write
// path, so one exchange that is not write-ready never holds up the others.
package multiplex
