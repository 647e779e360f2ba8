package main

import "github.com/medallion/medallion/cmd"

func main() {
	cmd.Execute()
}
