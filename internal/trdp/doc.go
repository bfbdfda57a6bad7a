// Package trdp implements the Train Real-Time Data Protocol core: the
// per-binding Session, the Process Data (PD) cyclic publish/subscribe
// engine and its Traffic Store, the Message Data (MD) request/reply/confirm
// engine, and the wire codec and recursive dataset marshaller shared by
// both (IEC 61375-2-3).
//
// A Session owns one local IP binding, its PD and MD sockets, the
// schedule of pending deadlines, and a single top-level mutex covering
// all table mutations. There is no internal goroutine driving time forward:
// the host calls GetInterval to learn the next deadline and Process to
// advance state, exactly mirroring the single-threaded cooperative model
// the protocol was designed around. Run wraps that pair in a goroutine
// loop for callers who do not need finer control.
package trdp
