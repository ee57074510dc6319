// Package filed implements a collaborative file-sharing daemon. A central
// server tracks which user holds the edit lock on each shared file and which
// users are currently viewing it, persists file content through a pluggable
// storage backend (memory, disk, or S3-compatible object storage), and fans
// state-change notifications out to every connected client over a
// length-prefixed JSON protocol.
//
// The exported surface mirrors the daemon itself: build a Config, construct a
// Server with NewServer, and call Start. Programs embedding filed can inject
// their own logger and storage backend through options:
//
//	cfg := filed.Config{Store: "mem://", Listen: ":9450"}
//	srv, err := filed.NewServer(cfg, filed.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
package filed
