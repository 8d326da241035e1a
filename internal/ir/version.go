package ir

// Version is the replica release version.
const Version = "0.1.0"

// DocumentVersion is the format of stored index documents. An index built
// with another format must be rebuilt from scratch.
const DocumentVersion = "1"
