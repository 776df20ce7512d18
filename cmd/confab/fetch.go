package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"confab/internal/codec"
	"confab/internal/upstream"
)

var (
	fetchUpstream string
	fetchKey      string
	fetchOut      string
	fetchTimeout  time.Duration
	fetchAttempts int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch one asset from a gateway",
	Long: `Fetch one asset from a running gateway and write the decoded record.

Examples:
  confab fetch --upstream=http://sclork-s01.local:9080 --key=000000000000beef
  confab fetch -u http://127.0.0.1:9080 -k 0000000000000001 -o kick.asset`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&fetchUpstream, "upstream", "u", "http://127.0.0.1:9080", "gateway base URL")
	fetchCmd.Flags().StringVarP(&fetchKey, "key", "k", "", "asset key, 16 hex digits")
	fetchCmd.Flags().StringVarP(&fetchOut, "out", "o", "", "write the record here instead of stdout")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 10*time.Second, "per-attempt timeout")
	fetchCmd.Flags().IntVar(&fetchAttempts, "attempts", 3, "attempts on network errors and 5xx")
	_ = fetchCmd.MarkFlagRequired("key")
}

func runFetch(cmd *cobra.Command, args []string) error {
	key, err := codec.ParseKey(fetchKey)
	if err != nil {
		return err
	}

	c := upstream.New(fetchUpstream, upstream.Config{Timeout: fetchTimeout, MaxAttempts: fetchAttempts})
	done := make(chan codec.Record, 1)
	if err := c.GetAsset(key, func(_ uint64, rec codec.Record) { done <- rec }); err != nil {
		return err
	}
	rec := <-done
	c.Shutdown()

	if rec.Empty() {
		return errors.New("asset not available from " + c.ServerAddress())
	}
	if err := codec.Verify(rec, codec.KindAsset); err != nil {
		return err
	}
	if fetchOut == "" {
		_, err = cmd.OutOrStdout().Write(rec)
		return err
	}
	if err := os.WriteFile(fetchOut, rec, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(rec), fetchOut)
	return nil
}
