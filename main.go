package main

import "github.com/chanrelay/chanrelay/cmd"

func main() {
	cmd.Execute()
}
