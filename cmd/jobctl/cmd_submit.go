package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"grid-worker-node/internal/blob"
	"grid-worker-node/internal/models"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext(cmd)
		defer cancel()

		job := models.Job{ID: uuid.New().String()}
		job.Affinity, _ = cmd.Flags().GetString("affinity")
		if exclusive, _ := cmd.Flags().GetBool("exclusive"); exclusive {
			job.Mask |= models.MaskExclusive
		}
		tags, _ := cmd.Flags().GetStringArray("tag")
		for _, t := range tags {
			name, value, ok := strings.Cut(t, "=")
			if !ok {
				log.Fatalf("invalid tag %q, want name=value", t)
			}
			job.Tags = append(job.Tags, models.Tag{Name: name, Value: value})
		}

		input, err := readInput(cmd)
		if err != nil {
			log.Fatal(err)
		}
		forceBlob, _ := cmd.Flags().GetBool("blob")
		if forceBlob || uint64(len(input)) > configData.InlineOutputThreshold {
			key := "inputs/" + job.ID
			if err := upload(ctx, key, input); err != nil {
				log.Fatal(err)
			}
			job.Input = models.BlobPrefix + key
			log.Printf("uploaded %s of input to %s", humanize.IBytes(uint64(len(input))), key)
		} else {
			job.Input = string(input)
		}

		id, err := NewQueue(cmd).Enqueue(ctx, job)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(id)
	},
}

func readInput(cmd *cobra.Command) ([]byte, error) {
	if path, _ := cmd.Flags().GetString("input-file"); path != "" {
		if path == "-" {
			return io.ReadAll(os.Stdin)
		}
		return os.ReadFile(path)
	}
	s, _ := cmd.Flags().GetString("input")
	return []byte(s), nil
}

func upload(ctx context.Context, key string, data []byte) error {
	store, err := blob.FromConfig(ctx, configData)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	w, err := store.GetWriter(ctx, key)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func init() {
	submitCmd.Flags().String("input", "", "inline job input")
	submitCmd.Flags().String("input-file", "", "read job input from a file (- for stdin)")
	submitCmd.Flags().Bool("blob", false, "store the input in the blob store even when it is small")
	submitCmd.Flags().String("affinity", "", "affinity token")
	submitCmd.Flags().Bool("exclusive", false, "run the job alone on its node")
	submitCmd.Flags().StringArray("tag", nil, "job tag as name=value (repeatable)")
	rootCmd.AddCommand(submitCmd)
}
