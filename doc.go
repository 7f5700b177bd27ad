// Package snapctrl is a control client for Snapcast multi-room audio
// servers. It speaks snapserver's JSON-RPC 2.0 control protocol over TCP,
// discovers servers via mDNS, and maintains a reconciled local view of
// groups, clients, and audio sources.
//
// The pieces compose bottom-up: DecodeMessage/EncodeRequest implement the
// wire codec, Conn multiplexes concurrent calls and notifications over one
// session, Store holds the reconciled state, and Worker ties them together
// with automatic reconnection and an optimistic command surface.
//
// Typical use:
//
//	store := snapctrl.NewStore()
//	w := snapctrl.NewWorker("192.168.1.10", snapctrl.DefaultControlPort, store)
//	if err := w.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer w.Stop()
//	for ev := range w.Events() {
//		// react to connectivity and state changes
//	}
package snapctrl
