package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statforge/rpool/pkg/rpool"
)

const (
	exitOK              = 0
	exitShutdownFailed  = 1
	exitStartupFailed   = 2
	exitSomeHostsFailed = 3
	exitValidateDown    = 42
)

var (
	startupFlag  bool
	shutdownFlag bool
	validateFlag bool

	hostFlag          string
	portFlag          int
	usernameFlag      string
	passwordFlag      string
	configurationFlag string
)

func main() {

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	rpool.SetLogger(logger)

	rootCmd := &cobra.Command{
		Use:   "rpoolctl",
		Short: "Start, stop and check backend Rserve instances",
		Long: "rpoolctl starts, stops and checks the Rserve instances named on the\n" +
			"command line or in a pool configuration document.",
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().BoolVar(&startupFlag, "startup", false, "start the server process")
	rootCmd.Flags().BoolVar(&shutdownFlag, "shutdown", false, "shut the server process down")
	rootCmd.Flags().BoolVar(&validateFlag, "validate", false, "report whether each server accepts connections")
	rootCmd.MarkFlagsMutuallyExclusive("startup", "shutdown", "validate")

	rootCmd.Flags().StringVar(&hostFlag, "host", "localhost", "server host")
	rootCmd.Flags().IntVar(&portFlag, "port", rpool.DefaultServerPort, "server port")
	rootCmd.Flags().StringVar(&usernameFlag, "username", "", "username to send to the server")
	rootCmd.Flags().StringVar(&passwordFlag, "password", "", "password to send to the server")
	rootCmd.Flags().StringVar(&configurationFlag, "configuration", "", "configuration file or url listing servers")

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func run(cmd *cobra.Command, _ []string) error {

	if !startupFlag && !shutdownFlag && !validateFlag {
		return errors.New("one of --startup, --shutdown or --validate is required")
	}

	servers, err := resolveServers()
	if err != nil {
		return err
	}
	multiHost := configurationFlag != ""

	driver := rpool.NewDriver()
	failed := 0
	down := 0

	for _, server := range servers {
		endpoint, err := server.Endpoint()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			failed++
			continue
		}

		switch {
		case validateFlag:
			if driver.Validate(endpoint) {
				fmt.Printf("%s is UP\n", endpoint)
			} else {
				fmt.Printf("%s is DOWN\n", endpoint)
				down++
			}
		case shutdownFlag:
			if err := driver.ShutdownServer(endpoint); err != nil {
				fmt.Fprintf(os.Stderr, "couldn't shutdown server on %s: %v\n", endpoint, err)
				failed++
			}
		case startupFlag:
			if err := startServer(driver, endpoint, server.CommandOrDefault()); err != nil {
				fmt.Fprintf(os.Stderr, "couldn't start server on %s: %v\n", endpoint, err)
				failed++
			}
		}
	}

	switch {
	case validateFlag && down > 0:
		return &exitError{code: exitValidateDown}
	case failed > 0 && multiHost:
		return &exitError{code: exitSomeHostsFailed}
	case failed > 0 && shutdownFlag:
		return &exitError{code: exitShutdownFailed}
	case failed > 0 && startupFlag:
		return &exitError{code: exitStartupFailed}
	}
	return nil
}

func resolveServers() ([]*rpool.RServerConfig, error) {

	if configurationFlag != "" {
		config, err := rpool.LoadConfigurationFrom(configurationFlag)
		if err != nil {
			return nil, err
		}
		if len(config.Servers) == 0 {
			return nil, errors.New("configuration lists no servers")
		}
		return config.Servers, nil
	}

	return []*rpool.RServerConfig{{
		Host:     hostFlag,
		Port:     portFlag,
		Username: usernameFlag,
		Password: passwordFlag,
	}}, nil
}

// startServer spawns the process and waits for it to accept connections.
func startServer(driver rpool.Driver, endpoint rpool.ServerEndpoint, command string) error {

	if _, err := driver.Startup(endpoint, command); err != nil {
		return err
	}

	for probe := 0; probe < 30; probe++ {
		if driver.Validate(endpoint) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("server on %s never became reachable", endpoint)
}
