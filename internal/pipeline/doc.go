// Package pipeline dispatches request/response exchanges strictly in order
// over one frame transport. A peer may send several requests without waiting,
// but responses come back in request order, each written in full before the
// next one starts, no matter which one the service finished first.
package pipeline
