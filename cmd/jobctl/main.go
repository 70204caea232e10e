package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"grid-worker-node/internal/config"
	"grid-worker-node/internal/queue"
)

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Submit and inspect grid jobs",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			log.Fatal(err)
		}
		configData = cfg
	},
}

var configData config.Config

func main() {
	rootCmd.PersistentFlags().StringP("server", "s", "", "queue server address (default: first configured server)")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "deadline for each command")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// DefaultDeadlineContext bounds a command by the --timeout flag.
func DefaultDeadlineContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	d, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(context.Background(), d)
}

// NewQueue connects to the --server queue server.
func NewQueue(cmd *cobra.Command) *queue.RedisQueue {
	addr, _ := cmd.Flags().GetString("server")
	if addr == "" {
		addr = configData.Servers[0]
	}
	return queue.NewRedisQueue(addr, queue.Options{
		QueueName: configData.QueueName,
		Password:  configData.RedisPassword,
		DB:        configData.RedisDB,
	})
}
