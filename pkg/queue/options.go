package queue

import (
	"crypto/tls"
)

// Options for the remote trigger queue.
type Options struct {
	// URL of the redis server, eg. redis://:password@host:6379/0
	URL string

	// TLSConfig for the redis connection (optional).
	TLSConfig *tls.Config
}
