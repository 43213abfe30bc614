package main

import "github.com/lowkeylabs/maestro/cmd"

func main() {
	cmd.Execute()
}
