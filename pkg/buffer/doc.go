// Package buffer provides a fixed-capacity ring over the most recent
// values of a feed.
//
// Live sessions produce unbounded streams where only the tail matters:
// transcript lines, chat messages, and log output in the monitor all
// want "the last N" with older entries silently discarded. RingBuffer
// keeps exactly that window. Add never blocks, Snapshot copies the
// current window in order, and Next lets a follower consume values one
// by one until the feed is closed.
package buffer
