package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Queue server commands",
}

var serverRegisterCmd = &cobra.Command{
	Use:   "register [addr]",
	Short: "Add queue servers to the discovery set kept on --server",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext(cmd)
		defer cancel()

		q := NewQueue(cmd)
		for _, addr := range args {
			if err := q.RegisterServer(ctx, addr); err != nil {
				log.Fatal(err)
			}
			log.Printf("%s registered", addr)
		}
	},
}

var serverDepthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Print the number of ready jobs on --server",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext(cmd)
		defer cancel()

		n, err := NewQueue(cmd).ReadyDepth(ctx)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(n)
	},
}

func init() {
	serverCmd.AddCommand(serverRegisterCmd, serverDepthCmd)
	rootCmd.AddCommand(serverCmd)
}
