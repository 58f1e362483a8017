package main

import "github.com/victor/modelvault/cmd"

func main() {
	cmd.Execute()
}
