package main

import "github.com/andrewstanton1/jobwrap/cmd"

func main() {
	cmd.Execute()
}
