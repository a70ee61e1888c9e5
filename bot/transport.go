// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package bot

// Transport moves bytes over the bulk endpoints of an already claimed mass storage interface.
// Endpoint selection, timeouts and device discovery all live beneath this interface.
type Transport interface {
	// BulkIn blocks until some bytes arrive from the bulk-in endpoint or the transfer fails. It
	// may return fewer bytes than len(p).
	BulkIn(p []byte) (int, error)

	// BulkOut blocks until p, or a prefix of it, has been written to the bulk-out endpoint.
	BulkOut(p []byte) (int, error)

	// BulkOutAsync queues p for the bulk-out endpoint and returns without waiting. done is called
	// exactly once, from another goroutine, with the number of bytes written or an error.
	// Transfers submitted on the same endpoint complete in submission order. p must not be retained
	// after BulkOutAsync returns; an implementation that writes later takes a copy.
	BulkOutAsync(p []byte, done func(n int, err error))
}
