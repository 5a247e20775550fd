package main

import "github.com/vietddude/securelink/internal/cli"

func main() {
	cli.Execute()
}
