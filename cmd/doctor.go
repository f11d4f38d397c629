package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/seceval/internal/codeql"
	"github.com/signalnine/seceval/internal/docker"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that Docker and CodeQL are usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Image:        %s\n", cfg.Image)
			fmt.Fprintf(out, "Test mode:    %s (timeout %s)\n", cfg.TestMode, cfg.TestTimeout())
			fmt.Fprintf(out, "Query suite:  %s\n", cfg.CodeQL.QuerySuite)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			dockerOK := false
			engine, err := docker.NewFromEnv()
			if err == nil {
				err = engine.Ping(ctx)
				engine.Close()
			}
			if err != nil {
				fmt.Fprintf(out, "Docker:       unavailable (%v)\n", err)
			} else {
				dockerOK = true
				fmt.Fprintln(out, "Docker:       ok")
			}

			if codeql.New(codeql.WithBinary(cfg.CodeQL.Binary)).Available() {
				path, _ := exec.LookPath(cfg.CodeQL.Binary)
				fmt.Fprintf(out, "CodeQL:       ok (%s)\n", path)
			} else {
				fmt.Fprintf(out, "CodeQL:       not found (%s); security phase will be skipped\n", cfg.CodeQL.Binary)
			}

			if !dockerOK {
				return fmt.Errorf("docker is required for the functional phase")
			}
			return nil
		},
	}
}
