package main

import "github.com/code-payments/iap-server/cli"

func main() {
	cli.Execute()
}
