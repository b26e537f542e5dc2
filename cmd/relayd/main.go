package main

import (
	"github.com/theflyingcodr/relay/cmd/relayd/commands"
)

func main() {
	commands.Execute()
}
