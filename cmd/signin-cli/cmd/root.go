package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	BaseUrl     string
	AccessToken string
)

var client *Client

var rootCmd = &cobra.Command{
	Use:   "signin-cli",
	Short: "signin-cli talks to a running signind.",
}

func Execute() {
	client = NewClient(BaseUrl, AccessToken)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
