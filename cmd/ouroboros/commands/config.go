package commands

import (
	"time"

	"github.com/adamjohannes/ouroboros/src/config"
)

// CLIConfig contains the configuration for the command line tool: the node
// configuration plus the options of the network command.
type CLIConfig struct {
	Node     config.Config `mapstructure:",squash"`
	NbNodes  int           `mapstructure:"nodes"`
	BasePort int           `mapstructure:"base-port"`
	Host     string        `mapstructure:"host"`
	NoBlock  bool          `mapstructure:"no-block"`
	Wait     time.Duration `mapstructure:"wait"`
}

// NewDefaultCLIConfig creates a CLIConfig with default values.
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Node:     *config.NewDefaultConfig(),
		NbNodes:  3,
		BasePort: 7000,
		Host:     "127.0.0.1",
		NoBlock:  false,
		Wait:     200 * time.Millisecond,
	}
}
