package main

import (
	cmd "github.com/blocklessnetwork/gateway/src/cmd/gateway/command"
)

func main() {
	cmd.Execute()
}
