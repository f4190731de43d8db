package main

import (
	"github.com/pterodactyl/roottest/cmd"
)

func main() {
	cmd.Execute()
}
