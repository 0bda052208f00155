package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	gitHash = "None"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		cancel()
		<-sc
		fmt.Printf("\nGot signal [%v] again to exit.\n", sig)
		os.Exit(1)
	}()

	rootCmd := &cobra.Command{
		Use:   "tinytree-server",
		Short: "Replicated transactional tree cache",
	}
	rootCmd.AddCommand(
		newServeCommand(ctx),
		newBenchCommand(ctx),
		newVersionCommand(),
	)

	err := rootCmd.Execute()
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "git hash: %s\n", gitHash)
		},
	}
}
