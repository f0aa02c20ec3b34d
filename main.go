package main

import "github.com/aceteam-ai/talktime/cmd"

func main() {
	cmd.Execute()
}
