// Package memory defines the storage medium that the durable
// structures in this module are built on.
//
// A Memory is a contiguous, page-granular byte space that can only
// grow. Higher layers never see files or databases directly: they read
// and write byte ranges at offsets inside the space and ask for more
// pages when they run out of room. This keeps the layout code in
// manager, counter and stablemap independent of where the bytes live.
//
//  - Backend (mmap file, bbolt database, in-process vector)
//    - manager.Manager partitions the backend into virtual memories
//      - region 0: counter.Counter
//      - region 1: stablemap.Map
//
// Backends must make every successful WriteAt durable before it
// returns. There is no separate flush step. Consumers order their
// writes so that a crash between any two of them leaves a state that
// can be recovered on the next attach.
package memory
