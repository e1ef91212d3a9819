package main

import "github.com/aceteam-ai/greencert/cmd"

func main() {
	cmd.Execute()
}
