package main

import "github.com/okudaira/banken/cmd"

func main() {
	cmd.Execute()
}
