package mmm

// VERSION of the replicator
const VERSION = "1.0.0"
