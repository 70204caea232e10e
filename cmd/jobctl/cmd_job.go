package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"grid-worker-node/internal/blob"
	"grid-worker-node/internal/store"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel jobs",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext(cmd)
		defer cancel()

		q := NewQueue(cmd)
		for _, id := range args {
			if err := q.Cancel(ctx, id); err != nil {
				log.Fatal(err)
			}
			log.Printf("%s canceled", id)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show a job as its queue server sees it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext(cmd)
		defer cancel()

		info, err := NewQueue(cmd).Inspect(ctx, args[0])
		if err != nil {
			log.Fatal(err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(info)

		path, _ := cmd.Flags().GetString("output")
		key, isBlob := info.Job.OutputBlobKey()
		if path == "" || info.Job.Output == "" {
			return
		}
		out, err := os.Create(path)
		if err != nil {
			log.Fatal(err)
		}
		defer out.Close()
		if !isBlob {
			_, err = io.WriteString(out, info.Job.Output)
		} else {
			var st blob.Store
			if st, err = blob.FromConfig(ctx, configData); err == nil {
				var r io.ReadCloser
				if r, err = st.GetReader(ctx, key); err == nil {
					_, err = io.Copy(out, r)
					r.Close()
				}
			}
		}
		if err != nil {
			log.Fatal(err)
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [id]",
	Short: "Show the node journal of a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext(cmd)
		defer cancel()
		if configData.PostgresDSN == "" {
			log.Fatal("POSTGRES_DSN is not set")
		}
		st, err := store.New(ctx, configData.PostgresDSN)
		if err != nil {
			log.Fatal(err)
		}
		defer st.Close()

		events, err := st.History(ctx, args[0])
		if err != nil {
			log.Fatal(err)
		}
		for _, e := range events {
			line := fmt.Sprintf("%-14s %-10s %-13s node=%s run=%d", humanize.Time(e.At), e.Event, e.Status, e.NodeID, e.JobNumber)
			if e.ErrorMsg != "" {
				line += " error=" + e.ErrorMsg
			}
			fmt.Println(line)
		}
	},
}

func init() {
	statusCmd.Flags().StringP("output", "o", "", "write the job output to this file")
	rootCmd.AddCommand(cancelCmd, statusCmd, historyCmd)
}
