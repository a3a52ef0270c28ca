package main

import "github.com/zm-bad/dagchat/cmd"

func main() {
	cmd.Execute()
}
