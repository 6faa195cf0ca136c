package main

import "github.com/raibid-ci/raibid/cmd"

func main() {
	cmd.Execute()
}
