package main

import (
	"fmt"
	"os"

	"signin-bots/cmd/signin-cli/cmd"
)

func main() {
	baseUrl, ok := os.LookupEnv("SIGNIN_BASE_URL")
	if !ok {
		fmt.Println("You should specify the base url of signind in the environment variable SIGNIN_BASE_URL.")
		os.Exit(1)
	}
	cmd.BaseUrl = baseUrl
	cmd.AccessToken = os.Getenv("SIGNIN_ACCESS_TOKEN")

	cmd.Execute()
}
