package main

import (
	"quickstart/internal/command/root"
	_ "quickstart/internal/command/server"
)

func main() {
	root.Execute()
}
