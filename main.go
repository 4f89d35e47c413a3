package main

import "github.com/atlashq/dispatch/cmd"

func main() {
	cmd.Execute()
}
