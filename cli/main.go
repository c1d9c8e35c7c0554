package main

import "github.com/NeuralForge6000/goop-utilities/cli/internal/commands"

func main() {
	commands.Execute()
}
