package main

import "github.com/masqtun/masqtun/app/cmd"

func main() {
	cmd.Execute()
}
