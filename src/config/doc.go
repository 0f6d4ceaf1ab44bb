// Package config defines the configuration for an Ouroboros node.
//
// Regardless of how a node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. The node also
// relies on a data directory, defined by Config.DataDir, where it creates a
// working directory named after its own port and where the command line tool
// looks for an optional `ouroboros.toml` configuration file.
package config
