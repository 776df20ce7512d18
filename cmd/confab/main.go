package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "confab",
	Short: "Asset and list gateway for a sclork cluster",
	Long: `confab serves assets, asset data chunks and lists over HTTP from a
local leveldb store, and keeps a short-lived table of peer status lines
that cluster members post to each other.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
