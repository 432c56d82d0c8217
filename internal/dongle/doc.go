// Package dongle speaks the serial protocol of the Somfy RTS USB dongle.
//
// A session starts from a *Waiting connection, obtained with Open, OpenFirst
// or NewWaiting. Initialize performs the handshake and yields a *Ready
// connection on which radio and address table commands can be sent:
//
//	w, err := dongle.Open("/dev/ttyACM0")
//	id, ready, err := w.Initialize(ctx, dongle.Passthrough)
//	resp, err := ready.OperateBlind(ctx, dongle.RtsCommand{Action: dongle.Up, Blind: 3})
//
// Replies are read incrementally: the serial line gives no framing guarantee,
// so ReadFrame accumulates bytes until a Strategy recognises a whole frame.
// The handshake and factory dump are CR-LF lines; every other reply is one
// JSON object whose ACK field tells success from a device reported failure.
//
// Connections are not safe for concurrent use. Exactly one request may be in
// flight; the controller package serializes access for long running programs.
package dongle
