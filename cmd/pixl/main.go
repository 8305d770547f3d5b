package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 success, 1 configuration error, 2 runtime error.
const (
	exitConfigError  = 1
	exitRuntimeError = 2
)

var (
	configFile string
	apiURL     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pixl",
		Short:         "Operator CLI for the imaging extraction pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "Path to config file")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8044", "Imaging service API base URL")

	rootCmd.AddCommand(
		populateCmd(),
		startCmd(),
		stopCmd(),
		statusCmd(),
		exportPatientDataCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := exitRuntimeError
		var exit *exitError
		if errors.As(err, &exit) {
			code = exit.code
		}
		os.Exit(code)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	return &exitError{code: exitConfigError, err: err}
}

func runtimeError(err error) error {
	return &exitError{code: exitRuntimeError, err: err}
}
