// Package cdcrelay keeps records of a local store consistent with an external
// event bus in both directions without echoing consumed events back.
//
// Local writes go through a Gateway into the Store, which appends every write
// to a mutation feed in the same transaction. The Relay follows the feed and
// publishes a domain event for every mutation caused by a local write.
// The Applier consumes events from the bus and writes them to the Store
// marked as external, which makes the Relay suppress them.
package cdcrelay
