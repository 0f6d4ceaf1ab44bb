package commands

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/adamjohannes/ouroboros/src/config"
	"github.com/adamjohannes/ouroboros/src/ouroboros"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// NewRunCmd returns the command that starts a single ring node.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runNode,
	}

	AddRunFlags(cmd)

	return cmd
}

// AddRunFlags adds flags to the Run command.
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("listen", "l", conf.Node.BindAddr, "Listen IP:Port (or bare port) for the ring protocol")
	cmd.Flags().StringP("service-listen", "s", conf.Node.ServiceAddr, "Listen IP:Port for the HTTP status service")
	cmd.Flags().Bool("no-service", conf.Node.NoService, "Disable the HTTP status service")
	cmd.Flags().DurationP("timeout", "t", conf.Node.DialTimeout, "Timeout for outbound connections to other nodes")
	cmd.Flags().Duration("ack-timeout", conf.Node.AckTimeout, "Best-effort wait for a forward acknowledgement")
	cmd.Flags().Duration("walk-timeout", conf.Node.WalkTimeout, "How long a WALK waits for its loop to close")
}

func runNode(cmd *cobra.Command, args []string) error {
	// Flag, then PORT environment variable, then default.
	if !cmd.Flags().Changed("listen") {
		if port := os.Getenv("PORT"); port != "" {
			conf.Node.BindAddr = port
		}
	}
	conf.Node.BindAddr = config.NormalizeAddr(conf.Node.BindAddr)

	conf.Node.Logger().WithFields(logrus.Fields{
		"datadir":        conf.Node.DataDir,
		"listen":         conf.Node.BindAddr,
		"no-service":     conf.Node.NoService,
		"service-listen": conf.Node.ServiceAddr,
		"timeout":        conf.Node.DialTimeout,
		"ack-timeout":    conf.Node.AckTimeout,
		"walk-timeout":   conf.Node.WalkTimeout,
		"log":            conf.Node.LogLevel,
	}).Debug("RUN")

	engine := ouroboros.NewOuroboros(&conf.Node)

	if err := engine.Init(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Node.Shutdown()
	}()

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	c, err := parseConfig()
	if err != nil {
		return err
	}
	conf = c

	conf.Node.SetLogger(newLogger())

	return nil
}

// Bind all flags and read the config into viper.
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// cmd.Flags() includes flags from this command and all persistent flags
	// from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetConfigName("ouroboros")       // name of config file (without extension)
	viper.AddConfigPath(conf.Node.DataDir) // search data directory

	if err := viper.ReadInConfig(); err == nil {
		conf.Node.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		conf.Node.Logger().Debugf("No config file found in: %s", conf.Node.DataDir)
	} else {
		return err
	}

	return nil
}

// Retrieve the parsed configuration.
func parseConfig() (*CLIConfig, error) {
	c := NewDefaultCLIConfig()
	err := viper.Unmarshal(c)
	if err != nil {
		return nil, err
	}
	return c, err
}

// newLogger builds the node's logger, teeing info and debug output into
// files under the data directory when they can be opened.
func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(conf.Node.LogLevel)
	logger.Formatter = new(prefixed.TextFormatter)

	pathMap := lfshook.PathMap{}

	infoLog := filepath.Join(conf.Node.DataDir, "ouroboros_info.log")
	if _, err := os.OpenFile(infoLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Infof("Failed to open %s, using default stderr", infoLog)
	} else {
		pathMap[logrus.InfoLevel] = infoLog
	}

	debugLog := filepath.Join(conf.Node.DataDir, "ouroboros_debug.log")
	if _, err := os.OpenFile(debugLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Infof("Failed to open %s, using default stderr", debugLog)
	} else {
		pathMap[logrus.DebugLevel] = debugLog
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}
