package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/seceval/internal/config"
)

var (
	cfgFile     string
	flagVerbose bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "seceval",
		Short:        "Functional and security evaluation of generated code samples",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "seceval.yaml", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging, including container output")
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newRescoreCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

// loadConfig reads --config. The default path may be absent, in which
// case built-in defaults apply; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, err
}

func newLogger() (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if flagVerbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stderr"}
		logger, err = cfg.Build()
	}
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
