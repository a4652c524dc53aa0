// Package gpuq defines the dispatch channel to the GPU worker pool: one
// batch-work message per executed job, delivered at least once. The
// channel contract and wire message live here; backends are the
// in-process Memory channel below (tests, single-node development) and
// the Redis Streams channel in store/redis.
package gpuq
