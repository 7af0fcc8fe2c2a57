package config

// DefaultPortNumber is the default port number used for hub listeners.
const DefaultPortNumber = 29317

// DefaultListenURL is the listen endpoint used when none is configured.
const DefaultListenURL = "tcp://127.0.0.1:29317"
