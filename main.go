package main

import "github.com/nvr-ai/go-yolo/cmd"

func main() {
	cmd.Execute()
}
